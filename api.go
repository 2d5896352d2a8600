package tapak

import (
	"context"
	"net/url"
	"strconv"
)

// API binds the application endpoints to a Client.
type API struct {
	client *Client
}

// NewAPI returns the route table over c.
func NewAPI(c *Client) *API {
	return &API{client: c}
}

// Client returns the underlying client.
func (a *API) Client() *Client {
	return a.client
}

// LoginRequest is the body of Login and Register.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email,omitempty"`
	Nickname string `json:"nickname,omitempty"`
}

// LoginData is the data of a successful login.
type LoginData struct {
	UserID       FlexString `json:"userId"`
	Username     string     `json:"username"`
	Token        string     `json:"token"`
	RefreshToken string     `json:"refreshToken"`
	ExpiresAt    Timestamp  `json:"expiresAt"`
}

// Register creates an account.
func (a *API) Register(ctx context.Context, req LoginRequest) Result {
	return a.client.Post(ctx, "/auth/register", req, Public())
}

// Login authenticates and stores the issued session.
func (a *API) Login(ctx context.Context, req LoginRequest) Result {
	res := a.client.Post(ctx, "/auth/login", req, Public())
	if !res.OK {
		return res
	}

	data, err := DecodeData[LoginData](res)
	if err != nil || data.Token == "" {
		return failure(&ClientError{
			Kind:    ErrorKindParse,
			Message: "login response has no session",
			Cause:   err,
			Method:  "POST",
			Path:    "/auth/login",
		})
	}

	user := User{UserID: data.UserID, Username: data.Username}
	if user.Username == "" {
		user.Username = req.Username
	}
	creds := Credentials{AccessToken: data.Token, RefreshToken: data.RefreshToken, ExpiresAt: data.ExpiresAt.Time}
	if err := a.client.credentials.Login(ctx, user, creds); err != nil {
		return failure(&ClientError{
			Kind:    ErrorKindInvalidRequest,
			Message: "session could not be stored",
			Cause:   err,
			Method:  "POST",
			Path:    "/auth/login",
		})
	}
	return res
}

// RefreshToken calls the refresh endpoint directly. Sessions are refreshed
// automatically; this exists for callers managing tokens themselves.
func (a *API) RefreshToken(ctx context.Context, refreshToken string) Result {
	return a.client.Post(ctx, "/auth/refresh", map[string]string{"refreshToken": refreshToken}, Public())
}

// Logout revokes the session on the server and forgets it locally, even
// when the server call fails.
func (a *API) Logout(ctx context.Context) Result {
	refreshToken, _ := a.client.credentials.RefreshToken(ctx)
	res := a.client.Post(ctx, "/auth/logout", map[string]string{"refreshToken": refreshToken})
	if err := a.client.credentials.Logout(ctx); err != nil {
		a.client.log(ctx).Error("Clearing session failed", "error", err)
	}
	return res
}

// Dashboard returns the home screen data.
func (a *API) Dashboard(ctx context.Context) Result {
	return a.client.Get(ctx, "/home/dashboard")
}

// QuickAction records a one-tap activity.
func (a *API) QuickAction(ctx context.Context, data any) Result {
	return a.client.Post(ctx, "/home/quick-action", data)
}

// Tasks lists tasks matching filter.
func (a *API) Tasks(ctx context.Context, filter url.Values) Result {
	return a.client.Get(ctx, "/tasks", WithQuery(filter))
}

// UpdateTaskProgress reports progress on a task.
func (a *API) UpdateTaskProgress(ctx context.Context, taskID string, data any) Result {
	return a.client.Put(ctx, "/tasks/"+url.PathEscape(taskID)+"/progress", data)
}

// CompleteTask marks a task done.
func (a *API) CompleteTask(ctx context.Context, taskID string, data any) Result {
	if data == nil {
		data = struct{}{}
	}
	return a.client.Post(ctx, "/tasks/"+url.PathEscape(taskID)+"/complete", data)
}

// StatisticsOverview returns the summary figures.
func (a *API) StatisticsOverview(ctx context.Context) Result {
	return a.client.Get(ctx, "/statistics/overview")
}

// StatisticsTrends returns trend data; period defaults to "week".
func (a *API) StatisticsTrends(ctx context.Context, period string) Result {
	return a.client.Get(ctx, "/statistics/trends", WithQuery(url.Values{"period": {periodOrWeek(period)}}))
}

// StatisticsActivities returns the activity distribution; period defaults to "week".
func (a *API) StatisticsActivities(ctx context.Context, period string) Result {
	return a.client.Get(ctx, "/statistics/activities", WithQuery(url.Values{"period": {periodOrWeek(period)}}))
}

// MonthlyComparison compares the last months; months defaults to 3.
func (a *API) MonthlyComparison(ctx context.Context, months int) Result {
	if months <= 0 {
		months = 3
	}
	return a.client.Get(ctx, "/statistics/monthly-comparison", WithQuery(url.Values{"months": {strconv.Itoa(months)}}))
}

// Suggestions returns reduction suggestions.
func (a *API) Suggestions(ctx context.Context) Result {
	return a.client.Get(ctx, "/statistics/suggestions")
}

// UserProfile returns the profile of the logged-in user.
func (a *API) UserProfile(ctx context.Context) Result {
	return a.client.Get(ctx, "/user/profile")
}

// UpdateUserProfile changes the profile.
func (a *API) UpdateUserProfile(ctx context.Context, data any) Result {
	return a.client.Put(ctx, "/user/profile", data)
}

// UserStats returns the user's totals.
func (a *API) UserStats(ctx context.Context) Result {
	return a.client.Get(ctx, "/user/stats")
}

// UserSettings returns the user's settings.
func (a *API) UserSettings(ctx context.Context) Result {
	return a.client.Get(ctx, "/user/settings")
}

// UpdateUserSettings changes the user's settings.
func (a *API) UpdateUserSettings(ctx context.Context, data any) Result {
	return a.client.Put(ctx, "/user/settings", data)
}

// RecordCarbon stores a footprint record.
func (a *API) RecordCarbon(ctx context.Context, data any) Result {
	return a.client.Post(ctx, "/carbon/record", data)
}

// CarbonHistory lists records matching filter.
func (a *API) CarbonHistory(ctx context.Context, filter url.Values) Result {
	return a.client.Get(ctx, "/carbon/history", WithQuery(filter))
}

// TodayCarbon returns today's footprint.
func (a *API) TodayCarbon(ctx context.Context) Result {
	return a.client.Get(ctx, "/carbon/today")
}

// Achievements lists the user's achievements.
func (a *API) Achievements(ctx context.Context) Result {
	return a.client.Get(ctx, "/achievements")
}

// AppConfig returns the public application settings.
func (a *API) AppConfig(ctx context.Context) Result {
	return a.client.Get(ctx, "/config/app", Public())
}

// SystemStatus returns the public service status.
func (a *API) SystemStatus(ctx context.Context) Result {
	return a.client.Get(ctx, "/config/status", Public())
}

// UploadSingle uploads one file to the default upload endpoint.
func (a *API) UploadSingle(ctx context.Context, filePath string) Result {
	return a.client.Upload(ctx, filePath, UploadOptions{})
}

// UploadMultiple uploads every file separately, in parallel.
func (a *API) UploadMultiple(ctx context.Context, filePaths []string) []Result {
	return a.client.UploadMany(ctx, filePaths, UploadOptions{})
}

func periodOrWeek(period string) string {
	if period == "" {
		return "week"
	}
	return period
}
