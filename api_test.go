package tapak

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"
)

func TestAPILoginStoresSession(t *testing.T) {
	expiresAt := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	tr := newScriptedTransport(func(_ context.Context, req *TransportRequest, _ int) (*TransportResponse, error) {
		if req.Header.Get("Authorization") != "" {
			t.Error("Expected login without Authorization header")
		}
		return envelope(200, "welcome", map[string]any{
			"userId":       12,
			"username":     "alice",
			"token":        "a1",
			"refreshToken": "r1",
			"expiresAt":    expiresAt.Format(time.RFC3339),
		}), nil
	})
	h := newTestClient(t, tr)
	api := NewAPI(h.client)

	res := api.Login(context.Background(), LoginRequest{Username: "alice", Password: "secret"})
	if !res.OK {
		t.Fatalf(expectedOKMsg, res)
	}

	ctx := context.Background()
	creds, ok := h.client.Credentials().Credentials(ctx)
	if !ok || creds.AccessToken != "a1" || creds.RefreshToken != "r1" || !creds.ExpiresAt.Equal(expiresAt) {
		t.Errorf("Expected stored session, got %+v (%v)", creds, ok)
	}
	user, ok := h.client.Credentials().CurrentUser(ctx)
	if !ok || user.UserID != "12" || user.Username != "alice" {
		t.Errorf("Expected stored user, got %+v (%v)", user, ok)
	}
}

func TestAPILoginWithoutToken(t *testing.T) {
	tr := newScriptedTransport(func(context.Context, *TransportRequest, int) (*TransportResponse, error) {
		return envelope(200, "ok", map[string]any{"username": "alice"}), nil
	})
	h := newTestClient(t, tr)

	res := NewAPI(h.client).Login(context.Background(), LoginRequest{Username: "alice", Password: "secret"})
	if res.Kind() != ErrorKindParse {
		t.Fatalf(expectedKindMsg, ErrorKindParse, res.Kind())
	}
	if h.client.Credentials().IsLoggedIn(context.Background()) {
		t.Error("Expected no session after a malformed login")
	}
}

func TestAPILogoutClearsSessionOnFailure(t *testing.T) {
	tr := newScriptedTransport(func(context.Context, *TransportRequest, int) (*TransportResponse, error) {
		return nil, errors.New("network is unreachable")
	})
	h := newTestClient(t, tr)
	h.login(t, "a1", "r1")

	res := NewAPI(h.client).Logout(context.Background())
	if res.Kind() != ErrorKindTransport {
		t.Errorf(expectedKindMsg, ErrorKindTransport, res.Kind())
	}
	if h.client.Credentials().IsLoggedIn(context.Background()) {
		t.Error("Expected local session to be cleared")
	}
}

func TestAPIRoutes(t *testing.T) {
	tr := newScriptedTransport(func(context.Context, *TransportRequest, int) (*TransportResponse, error) {
		return envelope(200, "ok", nil), nil
	})
	h := newTestClient(t, tr)
	api := NewAPI(h.client)
	ctx := context.Background()

	tests := []struct {
		name   string
		call   func() Result
		method string
		path   string
		public bool
	}{
		{"Register", func() Result { return api.Register(ctx, LoginRequest{Username: "u"}) }, "POST", "/auth/register", true},
		{"RefreshToken", func() Result { return api.RefreshToken(ctx, "r1") }, "POST", "/auth/refresh", true},
		{"Dashboard", func() Result { return api.Dashboard(ctx) }, "GET", "/home/dashboard", false},
		{"QuickAction", func() Result { return api.QuickAction(ctx, map[string]string{"type": "bike"}) }, "POST", "/home/quick-action", false},
		{"Tasks", func() Result { return api.Tasks(ctx, url.Values{"status": {"active"}}) }, "GET", "/tasks?status=active", false},
		{"UpdateTaskProgress", func() Result { return api.UpdateTaskProgress(ctx, "7", map[string]int{"progress": 3}) }, "PUT", "/tasks/7/progress", false},
		{"CompleteTask", func() Result { return api.CompleteTask(ctx, "7", nil) }, "POST", "/tasks/7/complete", false},
		{"StatisticsOverview", func() Result { return api.StatisticsOverview(ctx) }, "GET", "/statistics/overview", false},
		{"StatisticsTrends", func() Result { return api.StatisticsTrends(ctx, "") }, "GET", "/statistics/trends?period=week", false},
		{"StatisticsActivities", func() Result { return api.StatisticsActivities(ctx, "month") }, "GET", "/statistics/activities?period=month", false},
		{"MonthlyComparison", func() Result { return api.MonthlyComparison(ctx, 0) }, "GET", "/statistics/monthly-comparison?months=3", false},
		{"Suggestions", func() Result { return api.Suggestions(ctx) }, "GET", "/statistics/suggestions", false},
		{"UserProfile", func() Result { return api.UserProfile(ctx) }, "GET", "/user/profile", false},
		{"UpdateUserProfile", func() Result { return api.UpdateUserProfile(ctx, map[string]string{"nickname": "Al"}) }, "PUT", "/user/profile", false},
		{"UserStats", func() Result { return api.UserStats(ctx) }, "GET", "/user/stats", false},
		{"UserSettings", func() Result { return api.UserSettings(ctx) }, "GET", "/user/settings", false},
		{"UpdateUserSettings", func() Result { return api.UpdateUserSettings(ctx, map[string]bool{"dark": true}) }, "PUT", "/user/settings", false},
		{"RecordCarbon", func() Result { return api.RecordCarbon(ctx, map[string]int{"km": 4}) }, "POST", "/carbon/record", false},
		{"CarbonHistory", func() Result { return api.CarbonHistory(ctx, url.Values{"page": {"2"}}) }, "GET", "/carbon/history?page=2", false},
		{"TodayCarbon", func() Result { return api.TodayCarbon(ctx) }, "GET", "/carbon/today", false},
		{"Achievements", func() Result { return api.Achievements(ctx) }, "GET", "/achievements", false},
		{"AppConfig", func() Result { return api.AppConfig(ctx) }, "GET", "/config/app", true},
		{"SystemStatus", func() Result { return api.SystemStatus(ctx) }, "GET", "/config/status", true},
	}

	h.login(t, "a1", "r1")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := tr.total()
			if res := tt.call(); !res.OK {
				t.Fatalf(expectedOKMsg, res)
			}
			if tr.total() != before+1 {
				t.Fatalf("Expected exactly one send, got %d", tr.total()-before)
			}

			tr.mu.Lock()
			req := tr.reqs[len(tr.reqs)-1]
			tr.mu.Unlock()

			if req.Method != tt.method || req.Path != tt.path {
				t.Errorf("Expected %s %s, got %s %s", tt.method, tt.path, req.Method, req.Path)
			}
			if hasAuth := req.Header.Get("Authorization") != ""; hasAuth == tt.public {
				t.Errorf("Expected public=%v, Authorization present=%v", tt.public, hasAuth)
			}
		})
	}
}

func TestAPIUploadMultiple(t *testing.T) {
	paths := []string{writeTempFile(t, "a.jpg", "a"), writeTempFile(t, "b.jpg", "b")}
	tr := newScriptedTransport(func(_ context.Context, req *TransportRequest, _ int) (*TransportResponse, error) {
		if req.Path != "/upload/single" || req.Upload == nil {
			t.Errorf("Expected single-file upload, got %s %+v", req.Path, req.Upload)
		}
		return envelope(200, "ok", nil), nil
	})
	h := newTestClient(t, tr)

	results := NewAPI(h.client).UploadMultiple(context.Background(), paths)
	if len(results) != 2 || !results[0].OK || !results[1].OK {
		t.Errorf("Expected two successful uploads, got %+v", results)
	}
	if tr.total() != 2 {
		t.Errorf("Expected 2 sends, got %d", tr.total())
	}
}
