package rtapi

// AuthenticateEmail is the body of POST /v2/account/authenticate/email.
// The create and username options travel as query parameters.
type AuthenticateEmail struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Session is the reply to an authenticate call.
type Session struct {
	Token     string `json:"token"`
	Created   bool   `json:"created"`
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	ExpiresAt int64  `json:"expires_at"`
}

// WriteStorageObject is the body of PUT /v2/storage. Value is a JSON document
// encoded as a string. Global objects have no owner.
type WriteStorageObject struct {
	Collection      string `json:"collection"`
	Key             string `json:"key"`
	Value           string `json:"value"`
	Global          bool   `json:"global,omitempty"`
	PermissionRead  int    `json:"permission_read"`
	PermissionWrite int    `json:"permission_write"`
}

// StorageObject is a stored object as returned by the storage routes.
type StorageObject struct {
	Collection      string `json:"collection"`
	Key             string `json:"key"`
	UserID          string `json:"user_id,omitempty"`
	Value           string `json:"value"`
	Version         string `json:"version"`
	PermissionRead  int    `json:"permission_read"`
	PermissionWrite int    `json:"permission_write"`
	UpdateTime      int64  `json:"update_time"`
}

// WriteLeaderboardRecord is the body of POST /v2/leaderboard/:id.
type WriteLeaderboardRecord struct {
	Score int64 `json:"score"`
}

// LeaderboardRecord is one ranked entry.
type LeaderboardRecord struct {
	LeaderboardID string `json:"leaderboard_id"`
	OwnerID       string `json:"owner_id"`
	Username      string `json:"username"`
	Score         int64  `json:"score"`
	Rank          int64  `json:"rank,omitempty"`
	UpdateTime    int64  `json:"update_time"`
}

// LeaderboardRecordList is the reply to GET /v2/leaderboard/:id.
type LeaderboardRecordList struct {
	Records    []LeaderboardRecord `json:"records"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

// APIError is the body of every non-2xx HTTP reply.
type APIError struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}
