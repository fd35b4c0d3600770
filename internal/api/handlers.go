// Package api exposes the session facade over HTTP. Handlers decode,
// call the owning session and encode; all domain rules live below.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"chattr/internal/apperr"
	"chattr/internal/auth"
	"chattr/internal/client"
	"chattr/internal/friends"
	"chattr/internal/models"
	"chattr/internal/notify"
	"chattr/internal/timeline"
)

type API struct {
	auth     *auth.Service
	sessions *client.Registry
	notifier *notify.Notifier

	tokenExpiry    time.Duration
	maxUpload      int64
	vapidPublicKey string
}

func New(authService *auth.Service, sessions *client.Registry, notifier *notify.Notifier, tokenExpiry time.Duration, maxUpload int64, vapidPublicKey string) *API {
	return &API{
		auth:           authService,
		sessions:       sessions,
		notifier:       notifier,
		tokenExpiry:    tokenExpiry,
		maxUpload:      maxUpload,
		vapidPublicKey: vapidPublicKey,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := apperr.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case apperr.CodeInvalidArgument:
		status = http.StatusBadRequest
	case apperr.CodeAlreadyExists:
		status = http.StatusConflict
	case apperr.CodeNotFound:
		status = http.StatusNotFound
	case apperr.CodePermissionDenied:
		status = http.StatusForbidden
	case apperr.CodeUnavailable:
		status = http.StatusServiceUnavailable
	}

	msg := err.Error()
	var e *apperr.Error
	if errors.As(err, &e) {
		msg = e.Message // never leak wrapped causes
	}
	writeJSON(w, status, map[string]string{"error": msg, "code": string(code)})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, apperr.Validation("invalid request body"))
		return false
	}
	return true
}

// session resolves the authenticated account's facade.
func (a *API) session(w http.ResponseWriter, r *http.Request) (*client.Session, bool) {
	sess, err := a.sessions.Session(r.Context(), accountID(r))
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return sess, true
}

func (a *API) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username    string `json:"username"`
		Password    string `json:"password"`
		DisplayName string `json:"displayName"`
	}
	if !decode(w, r, &req) {
		return
	}

	account, err := a.auth.Register(r.Context(), req.Username, req.Password, req.DisplayName)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, account)
}

func (a *API) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !decode(w, r, &req) {
		return
	}

	token, account, err := a.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    token,
		HttpOnly: true,
		Path:     "/",
		Expires:  time.Now().Add(a.tokenExpiry),
	})
	writeJSON(w, http.StatusOK, map[string]any{"token": token, "account": account})
}

func (a *API) LogoffHandler(w http.ResponseWriter, r *http.Request) {
	if token := getToken(r); token != "" {
		a.auth.Logoff(token)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    "",
		HttpOnly: true,
		Path:     "/",
		MaxAge:   -1,
	})
	w.WriteHeader(http.StatusOK)
}

func (a *API) MeHandler(w http.ResponseWriter, r *http.Request) {
	account, err := a.auth.Get(r.Context(), accountID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func (a *API) UpdateProfileHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DisplayName string `json:"displayName"`
		Bio         string `json:"bio"`
	}
	if !decode(w, r, &req) {
		return
	}

	account, err := a.auth.UpdateProfile(r.Context(), accountID(r), req.DisplayName, req.Bio)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func (a *API) LookupUserHandler(w http.ResponseWriter, r *http.Request) {
	account, err := a.auth.Lookup(r.Context(), r.PathValue("username"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func (a *API) FriendRequestHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
	}
	if !decode(w, r, &req) {
		return
	}

	sess, ok := a.session(w, r)
	if !ok {
		return
	}
	sent, err := sess.AddFriend(r.Context(), req.Username)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sent)
}

func (a *API) FriendRespondHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Decision string `json:"decision"`
	}
	if !decode(w, r, &req) {
		return
	}

	var decision friends.Decision
	switch req.Decision {
	case "accept":
		decision = friends.Accept
	case "reject":
		decision = friends.Reject
	default:
		writeError(w, apperr.Validation("decision must be accept or reject"))
		return
	}

	sess, ok := a.session(w, r)
	if !ok {
		return
	}
	answered, err := sess.RespondFriend(r.Context(), r.PathValue("id"), decision)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, answered)
}

func (a *API) FriendsHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.session(w, r)
	if !ok {
		return
	}
	list, err := sess.Friends(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) FriendsPendingHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.session(w, r)
	if !ok {
		return
	}
	list, err := sess.PendingRequests(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) FriendsSentHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.session(w, r)
	if !ok {
		return
	}
	list, err := sess.SentRequests(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) ConversationsHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Inbox())
}

func (a *API) MessagesHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.session(w, r)
	if !ok {
		return
	}

	tl, closeView, err := sess.OpenConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	defer closeView()

	writeJSON(w, http.StatusOK, map[string]any{"days": timeline.GroupByDay(tl.Snapshot())})
}

func (a *API) SendMessageHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if !decode(w, r, &req) {
		return
	}

	sess, ok := a.session(w, r)
	if !ok {
		return
	}
	msg, err := sess.SendText(r.Context(), r.PathValue("id"), req.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (a *API) UploadHandler(w http.ResponseWriter, r *http.Request) {
	// Hard cap the whole request; the session checks the declared size
	// again before reading.
	r.Body = http.MaxBytesReader(w, r.Body, a.maxUpload+64*1024)

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, apperr.Validation("missing or oversized file"))
		return
	}
	defer func() { _ = file.Close() }()

	sess, ok := a.session(w, r)
	if !ok {
		return
	}
	msg, err := sess.SendFile(r.Context(), r.PathValue("id"), header.Filename, header.Size, file)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (a *API) MarkReadHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.session(w, r)
	if !ok {
		return
	}
	if err := sess.MarkRead(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *API) PushKeyHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"key": a.vapidPublicKey})
}

func (a *API) PushSubscribeHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Endpoint string `json:"endpoint"`
		Keys     struct {
			P256dh string `json:"p256dh"`
			Auth   string `json:"auth"`
		} `json:"keys"`
	}
	if !decode(w, r, &req) {
		return
	}

	err := a.notifier.Subscribe(r.Context(), models.PushSubscription{
		AccountID: accountID(r),
		Endpoint:  req.Endpoint,
		P256dh:    req.Keys.P256dh,
		Auth:      req.Keys.Auth,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (a *API) PushUnsubscribeHandler(w http.ResponseWriter, r *http.Request) {
	endpoint := r.URL.Query().Get("endpoint")
	if endpoint == "" {
		writeError(w, apperr.Validation("endpoint is required"))
		return
	}
	if err := a.notifier.Unsubscribe(r.Context(), accountID(r), endpoint); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
