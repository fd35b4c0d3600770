// Package client is the embeddable session facade: everything one
// signed-in account does with its conversations, bound together with the
// dispatcher that keeps the views synchronized. A Session owns the
// conversation list, the set of open timelines and the read tracker;
// callers hold a Session for the lifetime of the sign-in.
package client

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/h2non/filetype"
	"golang.org/x/time/rate"

	"chattr/internal/apperr"
	"chattr/internal/attachments"
	"chattr/internal/auth"
	"chattr/internal/blob"
	"chattr/internal/content"
	"chattr/internal/dispatch"
	"chattr/internal/friends"
	"chattr/internal/inbox"
	"chattr/internal/models"
	"chattr/internal/receipts"
	"chattr/internal/store"
	"chattr/internal/timeline"
)

// sniffLen is how many leading bytes filetype needs for MIME detection.
const sniffLen = 261

// Store is the persistence surface a session runs against.
type Store interface {
	store.Querier
	store.Feed
}

type Options struct {
	// MaxUploadSize caps file sends; oversized files are rejected before
	// any byte is read. Defaults to 5 MiB.
	MaxUploadSize int64

	// Send and friend request rates per session.
	SendLimit   rate.Limit
	SendBurst   int
	FriendLimit rate.Limit
	FriendBurst int
}

func (o *Options) defaults() {
	if o.MaxUploadSize == 0 {
		o.MaxUploadSize = 5 * 1024 * 1024
	}
	if o.SendLimit == 0 {
		o.SendLimit = rate.Limit(5)
	}
	if o.SendBurst == 0 {
		o.SendBurst = 10
	}
	if o.FriendLimit == 0 {
		o.FriendLimit = rate.Every(2 * time.Second)
	}
	if o.FriendBurst == 0 {
		o.FriendBurst = 5
	}
}

type openView struct {
	tl      *timeline.Timeline
	release func()
	refs    int
}

type Session struct {
	accountID string
	st        Store
	blobs     blob.ObjectStore
	resolver  timeline.Resolver
	accounts  *auth.Service
	friends   *friends.Service
	idx       *inbox.Index
	tracker   *receipts.Tracker
	disp      *dispatch.Dispatcher

	maxUpload   int64
	sendLimit   *rate.Limiter
	friendLimit *rate.Limiter

	mu   sync.Mutex
	open map[string]*openView

	cancel context.CancelFunc
	done   chan struct{}
}

// Open builds the session for an account and starts its dispatcher. ctx
// bounds the initial load only; the session runs until Close. The friends
// service is shared across sessions so its request serialization holds
// process-wide.
func Open(ctx context.Context, accountID string, st Store, blobs blob.ObjectStore, resolver timeline.Resolver, accounts *auth.Service, friendsService *friends.Service, opts Options) (*Session, error) {
	opts.defaults()

	idx := inbox.New(accountID, st)
	if err := idx.Refresh(ctx); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		accountID:   accountID,
		st:          st,
		blobs:       blobs,
		resolver:    resolver,
		accounts:    accounts,
		friends:     friendsService,
		idx:         idx,
		tracker:     receipts.NewTracker(accountID, st, idx),
		disp:        dispatch.New(st, idx),
		maxUpload:   opts.MaxUploadSize,
		sendLimit:   rate.NewLimiter(opts.SendLimit, opts.SendBurst),
		friendLimit: rate.NewLimiter(opts.FriendLimit, opts.FriendBurst),
		open:        make(map[string]*openView),
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		_ = s.disp.Run(runCtx)
	}()

	return s, nil
}

func (s *Session) AccountID() string { return s.accountID }

// Close stops the dispatcher and releases every open view.
func (s *Session) Close() {
	s.cancel()
	<-s.done

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, v := range s.open {
		v.release()
		delete(s.open, id)
	}
}

// Inbox returns the ranked conversation list.
func (s *Session) Inbox() []inbox.Entry { return s.idx.Snapshot() }

// Unread returns the unread count for one conversation.
func (s *Session) Unread(conversationID string) int { return s.idx.Unread(conversationID) }

// OpenConversation loads the timeline, registers it for live updates and
// marks the conversation read. The returned close releases exactly this
// view; other conversations are untouched. Opening an already open
// conversation shares the existing view.
func (s *Session) OpenConversation(ctx context.Context, conversationID string) (*timeline.Timeline, func(), error) {
	s.mu.Lock()
	if v, ok := s.open[conversationID]; ok {
		v.refs++
		s.mu.Unlock()
		return v.tl, s.closer(conversationID, v), nil
	}
	s.mu.Unlock()

	if _, err := s.conversation(ctx, conversationID); err != nil {
		return nil, nil, err
	}

	tl := timeline.New(conversationID, s.accountID, s.st, s.resolver)
	if err := tl.Load(ctx); err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	if v, ok := s.open[conversationID]; ok {
		// Lost a race with a concurrent open; share that view.
		v.refs++
		s.mu.Unlock()
		return v.tl, s.closer(conversationID, v), nil
	}
	v := &openView{tl: tl, release: s.disp.RegisterTimeline(tl), refs: 1}
	s.open[conversationID] = v
	s.mu.Unlock()

	// Opening the conversation reads it. The local flip always succeeds;
	// a failed write is retried on the next MarkRead.
	if err := s.tracker.MarkRead(ctx, tl); err != nil {
		slog.Warn("failed to persist read receipts on open",
			"conversation", conversationID, "error", err)
	}

	return tl, s.closer(conversationID, v), nil
}

func (s *Session) closer(conversationID string, v *openView) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			v.refs--
			if v.refs == 0 && s.open[conversationID] == v {
				v.release()
				delete(s.open, conversationID)
			}
		})
	}
}

// MarkRead flips everything unread in the conversation and persists it.
func (s *Session) MarkRead(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	v := s.open[conversationID]
	s.mu.Unlock()

	if v != nil {
		return s.tracker.MarkRead(ctx, v.tl)
	}
	return s.tracker.MarkConversationRead(ctx, conversationID)
}

// SendText sends a text message. The open view shows it immediately as
// pending and flips it to sent on confirmation.
func (s *Session) SendText(ctx context.Context, conversationID, text string) (models.Message, error) {
	if !s.sendLimit.Allow() {
		return models.Message{}, apperr.Transient("sending too fast, slow down", nil)
	}

	text = strings.TrimSpace(content.Sanitize(text))
	if text == "" {
		return models.Message{}, apperr.Validation("message is empty")
	}

	if _, err := s.conversation(ctx, conversationID); err != nil {
		return models.Message{}, err
	}

	return s.deliver(ctx, conversationID, models.Message{Type: models.MessageText, Content: text})
}

// Resend retries a failed optimistic send from its draft.
func (s *Session) Resend(ctx context.Context, conversationID, localID string) (models.Message, error) {
	s.mu.Lock()
	v := s.open[conversationID]
	s.mu.Unlock()
	if v == nil {
		return models.Message{}, apperr.NotFound("conversation is not open")
	}

	draft, ok := v.tl.Draft(localID)
	if !ok {
		return models.Message{}, apperr.NotFound("nothing to resend")
	}
	v.tl.Retry(localID)

	msg, err := s.insertMessage(ctx, draft)
	if err != nil {
		v.tl.Fail(localID)
		return models.Message{}, err
	}
	v.tl.Confirm(ctx, localID, msg)
	return msg, nil
}

// SendFile uploads the file and sends a file message carrying its
// reference. Size is checked before any byte is read.
func (s *Session) SendFile(ctx context.Context, conversationID, name string, size int64, r io.Reader) (models.Message, error) {
	if !s.sendLimit.Allow() {
		return models.Message{}, apperr.Transient("sending too fast, slow down", nil)
	}
	if size > s.maxUpload {
		return models.Message{}, apperr.Validation("file exceeds the upload size limit")
	}

	if _, err := s.conversation(ctx, conversationID); err != nil {
		return models.Message{}, err
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(r, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return models.Message{}, apperr.Transient("failed to read file", err)
	}
	head = head[:n]

	mimeType := "application/octet-stream"
	if kind, _ := filetype.Match(head); kind != filetype.Unknown {
		mimeType = kind.MIME.Value
	}

	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	objectPath := conversationID + "/" + uuid.NewString() + "-" + name
	body := io.LimitReader(io.MultiReader(bytes.NewReader(head), r), s.maxUpload)
	if err := s.blobs.Upload(objectPath, body); err != nil {
		return models.Message{}, apperr.Transient("failed to store file", err)
	}

	return s.deliver(ctx, conversationID, models.Message{
		Type:       models.MessageFile,
		Attachment: &models.Attachment{Path: objectPath, MimeType: mimeType, Name: name},
	})
}

// deliver runs the optimistic send path: placeholder in the open view,
// insert, then confirm or fail.
func (s *Session) deliver(ctx context.Context, conversationID string, draft models.Message) (models.Message, error) {
	draft.ConversationID = conversationID
	draft.SenderID = s.accountID

	s.mu.Lock()
	v := s.open[conversationID]
	s.mu.Unlock()

	var localID string
	if v != nil {
		localID = v.tl.AppendLocal(draft)
	}

	msg, err := s.insertMessage(ctx, draft)
	if err != nil {
		if v != nil {
			v.tl.Fail(localID)
		}
		return models.Message{}, err
	}
	if v != nil {
		v.tl.Confirm(ctx, localID, msg)
	}
	s.idx.ApplyMessage(msg)
	return msg, nil
}

func (s *Session) insertMessage(ctx context.Context, draft models.Message) (models.Message, error) {
	rec := store.MessageRecord(draft)
	delete(rec, "id")
	delete(rec, "created_at") // server-assigned
	inserted, err := s.st.Insert(ctx, models.TableMessages, rec)
	if err != nil {
		return models.Message{}, apperr.Transient("failed to send message", err)
	}
	return store.MessageFromRecord(inserted), nil
}

func (s *Session) conversation(ctx context.Context, conversationID string) (models.Conversation, error) {
	recs, err := s.st.Select(ctx, models.TableConversations,
		store.Where(store.Eq("id", conversationID)), store.Order{}, 1)
	if err != nil {
		return models.Conversation{}, apperr.Transient("failed to load conversation", err)
	}
	if len(recs) == 0 {
		return models.Conversation{}, apperr.NotFound("conversation not found")
	}
	conv := store.ConversationFromRecord(recs[0])
	if !conv.Has(s.accountID) {
		return models.Conversation{}, apperr.Forbidden("not a participant")
	}
	return conv, nil
}

// AddFriend sends a friend request to the named user.
func (s *Session) AddFriend(ctx context.Context, username string) (models.FriendRequest, error) {
	if !s.friendLimit.Allow() {
		return models.FriendRequest{}, apperr.Transient("too many friend requests, slow down", nil)
	}
	target, err := s.accounts.Lookup(ctx, username)
	if err != nil {
		return models.FriendRequest{}, err
	}
	return s.friends.Request(ctx, s.accountID, target.ID)
}

// RespondFriend accepts or rejects a pending request addressed to this
// account. On accept the pair's conversation appears in the list at once.
func (s *Session) RespondFriend(ctx context.Context, requestID string, decision friends.Decision) (models.FriendRequest, error) {
	req, conv, err := s.friends.Respond(ctx, requestID, s.accountID, decision)
	if err != nil {
		return models.FriendRequest{}, err
	}
	if conv != nil {
		if err := s.idx.ApplyConversation(ctx, *conv); err != nil {
			slog.Warn("failed to track new conversation", "conversation", conv.ID, "error", err)
		}
	}
	return req, nil
}

// PendingRequests lists requests waiting for this account's answer.
func (s *Session) PendingRequests(ctx context.Context) ([]friends.RequestWithProfile, error) {
	return s.friends.PendingFor(ctx, s.accountID)
}

// SentRequests lists this account's outstanding requests.
func (s *Session) SentRequests(ctx context.Context) ([]friends.RequestWithProfile, error) {
	return s.friends.SentBy(ctx, s.accountID)
}

// Friends lists accepted friends.
func (s *Session) Friends(ctx context.Context) ([]models.Account, error) {
	return s.friends.FriendsOf(ctx, s.accountID)
}

// OnFriendRequest registers a listener for pushed friend request events.
func (s *Session) OnFriendRequest(fn func(models.FriendRequest)) {
	s.disp.OnFriendRequest(fn)
}

// ResolveAttachment is a convenience for rendering file previews outside
// an open timeline.
func (s *Session) ResolveAttachment(ctx context.Context, ref string) attachments.Resolved {
	return s.resolver.Resolve(ctx, ref)
}
