package chats

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"chatcore/internal/storage"
)

var (
	ErrNotFound          = errors.New("chats: not found")
	ErrInvalidTransition = errors.New("chats: invalid status transition")
	ErrNotGroup          = errors.New("chats: not a group chat")
	ErrInvalidChat       = errors.New("chats: invalid chat")
)

// OnlineChecker answers whether a user currently holds a session.
type OnlineChecker interface {
	IsOnline(userID string) bool
}

type Store interface {
	ListChatOverviews(ctx context.Context, userID string) ([]storage.ChatOverview, error)
	ListCoMembers(ctx context.Context, userID string) ([]storage.Member, error)
	GetChat(ctx context.Context, id int64) (*storage.Chat, error)
	FindDirectChat(ctx context.Context, directKey string) (*storage.Chat, error)
	CreateChat(ctx context.Context, in storage.NewChat) (*storage.Chat, error)
	UpdateChatProfile(ctx context.Context, chatID int64, name, picture string) error
	AddParticipant(ctx context.Context, chatID int64, userID string, joinedAt time.Time) error
	GetParticipant(ctx context.Context, chatID int64, userID string) (*storage.Participant, error)
	SetParticipantStatus(ctx context.Context, chatID int64, userID string, status storage.ParticipantStatus) error
	SetPinned(ctx context.Context, chatID int64, userID string, pinned bool) error
}

// LastMessage is the preview of the newest message of a chat.
type LastMessage struct {
	ID       int64     `json:"id"`
	SenderID string    `json:"sender_id"`
	Content  string    `json:"content"`
	SentAt   time.Time `json:"sent_at"`
}

// Summary is one row of a user's chat list.
type Summary struct {
	ChatID       int64            `json:"chat_id"`
	Kind         storage.ChatKind `json:"kind"`
	Name         string           `json:"name"`
	Picture      string           `json:"picture,omitempty"`
	PeerID       string           `json:"peer_id,omitempty"`
	LastMessage  *LastMessage     `json:"last_message,omitempty"`
	Unread       int              `json:"unread"`
	Pinned       bool             `json:"pinned"`
	Muted        bool             `json:"muted"`
	OnlineCount  int              `json:"online_count"`
	Participants int              `json:"participants"`
}

// Service builds chat-list summaries and applies per-participant chat state.
type Service struct {
	store  Store
	online OnlineChecker
	now    func() time.Time
	logger *zap.Logger
}

type Option func(*Service)

func WithNow(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewService(store Store, online OnlineChecker, opts ...Option) *Service {
	s := &Service{
		store:  store,
		online: online,
		now:    func() time.Time { return time.Now().UTC() },
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Summaries returns the user's visible chats, most recently active first.
// Chats without messages come last; ties go to the newer chat.
func (s *Service) Summaries(ctx context.Context, userID string) ([]Summary, error) {
	overviews, err := s.store.ListChatOverviews(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list chats of %s: %w", userID, err)
	}
	members, err := s.store.ListCoMembers(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list chat members of %s: %w", userID, err)
	}
	others := make(map[int64][]storage.Member, len(overviews))
	for _, m := range members {
		others[m.ChatID] = append(others[m.ChatID], m)
	}

	summaries := make([]Summary, 0, len(overviews))
	for _, ov := range overviews {
		peers := others[ov.Chat.ID]
		sum := Summary{
			ChatID:       ov.Chat.ID,
			Kind:         ov.Chat.Kind,
			Name:         ov.Chat.Name,
			Picture:      ov.Chat.Picture,
			Unread:       ov.Unread,
			Pinned:       ov.Participant.IsPinned,
			Muted:        ov.Participant.Status == storage.StatusMuted,
			Participants: len(peers) + 1,
		}
		if ov.Chat.Kind == storage.ChatDirect && len(peers) > 0 {
			peer := peers[0]
			sum.PeerID = peer.UserID
			sum.Name = peer.DisplayName
			if sum.Name == "" {
				sum.Name = peer.UserID
			}
			sum.Picture = peer.Picture
		}
		for _, p := range peers {
			if s.online.IsOnline(p.UserID) {
				sum.OnlineCount++
			}
		}
		if lm := ov.LastMessage; lm != nil {
			sum.LastMessage = &LastMessage{ID: lm.ID, SenderID: lm.SenderID, Content: lm.Content, SentAt: lm.SentAt}
		}
		summaries = append(summaries, sum)
	}
	sortSummaries(summaries)
	return summaries, nil
}

func sortSummaries(summaries []Summary) {
	sort.SliceStable(summaries, func(i, j int) bool {
		a, b := summaries[i].LastMessage, summaries[j].LastMessage
		switch {
		case a != nil && b == nil:
			return true
		case a == nil && b != nil:
			return false
		case a != nil && b != nil && !a.SentAt.Equal(b.SentAt):
			return a.SentAt.After(b.SentAt)
		}
		return summaries[i].ChatID > summaries[j].ChatID
	})
}

func (s *Service) Mute(ctx context.Context, chatID int64, userID string) error {
	return s.transition(ctx, chatID, userID, storage.StatusMuted, storage.StatusActive)
}

func (s *Service) Unmute(ctx context.Context, chatID int64, userID string) error {
	return s.transition(ctx, chatID, userID, storage.StatusActive, storage.StatusMuted)
}

// Delete hides the chat for this participant only. History and the other
// participants' views are untouched.
func (s *Service) Delete(ctx context.Context, chatID int64, userID string) error {
	return s.transition(ctx, chatID, userID, storage.StatusDeleted, storage.StatusActive, storage.StatusMuted)
}

// Pin sets or clears the pinned flag of a chat the user has not deleted.
func (s *Service) Pin(ctx context.Context, chatID int64, userID string, pinned bool) error {
	p, err := s.participant(ctx, chatID, userID)
	if err != nil {
		return err
	}
	if p.Status == storage.StatusDeleted {
		return ErrInvalidTransition
	}
	if err := s.store.SetPinned(ctx, chatID, userID, pinned); err != nil {
		return s.translate(err)
	}
	return nil
}

func (s *Service) transition(ctx context.Context, chatID int64, userID string, to storage.ParticipantStatus, from ...storage.ParticipantStatus) error {
	p, err := s.participant(ctx, chatID, userID)
	if err != nil {
		return err
	}
	allowed := false
	for _, st := range from {
		if p.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, p.Status, to)
	}
	if err := s.store.SetParticipantStatus(ctx, chatID, userID, to); err != nil {
		return s.translate(err)
	}
	s.logger.Debug("chat status changed",
		zap.Int64("chat_id", chatID),
		zap.String("user_id", userID),
		zap.String("status", string(to)))
	return nil
}

// CreateDirect returns the one-to-one chat between two users, creating it on
// first use. A requester who deleted the chat gets it back.
func (s *Service) CreateDirect(ctx context.Context, requesterID, peerID string) (*storage.Chat, error) {
	if requesterID == "" || peerID == "" || requesterID == peerID {
		return nil, ErrInvalidChat
	}
	key := DirectKey(requesterID, peerID)
	chat, err := s.store.FindDirectChat(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("find direct chat: %w", err)
	}
	if chat == nil {
		chat, err = s.store.CreateChat(ctx, storage.NewChat{
			Kind:      storage.ChatDirect,
			DirectKey: key,
			Members:   []string{requesterID, peerID},
			CreatedAt: s.now(),
		})
		switch {
		case errors.Is(err, storage.ErrConflict):
			chat, err = s.store.FindDirectChat(ctx, key)
			if err == nil && chat == nil {
				err = storage.ErrNotFound
			}
			if err != nil {
				return nil, fmt.Errorf("find direct chat: %w", err)
			}
		case err != nil:
			return nil, fmt.Errorf("create direct chat: %w", err)
		default:
			return chat, nil
		}
	}

	p, err := s.store.GetParticipant(ctx, chat.ID, requesterID)
	if err != nil {
		return nil, fmt.Errorf("load participant: %w", err)
	}
	if p != nil && p.Status == storage.StatusDeleted {
		if err := s.store.SetParticipantStatus(ctx, chat.ID, requesterID, storage.StatusActive); err != nil {
			return nil, s.translate(err)
		}
	}
	return chat, nil
}

// CreateGroup creates a named group containing the creator and members.
func (s *Service) CreateGroup(ctx context.Context, creatorID, name, picture string, members []string) (*storage.Chat, error) {
	name = strings.TrimSpace(name)
	if creatorID == "" || name == "" {
		return nil, ErrInvalidChat
	}
	seen := map[string]bool{creatorID: true}
	all := []string{creatorID}
	for _, m := range members {
		m = strings.TrimSpace(m)
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		all = append(all, m)
	}
	chat, err := s.store.CreateChat(ctx, storage.NewChat{
		Kind:      storage.ChatGroup,
		Name:      name,
		Picture:   picture,
		Members:   all,
		CreatedAt: s.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("create group: %w", err)
	}
	s.logger.Info("group created", zap.Int64("chat_id", chat.ID), zap.Int("members", len(all)))
	return chat, nil
}

// AddMember lets a group participant add another user. Earlier messages do
// not gain status rows for the newcomer.
func (s *Service) AddMember(ctx context.Context, chatID int64, actorID, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrInvalidChat
	}
	if _, err := s.group(ctx, chatID, actorID); err != nil {
		return err
	}
	if err := s.store.AddParticipant(ctx, chatID, userID, s.now()); err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

// UpdateGroupProfile renames a group or replaces its picture.
func (s *Service) UpdateGroupProfile(ctx context.Context, chatID int64, actorID, name, picture string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrInvalidChat
	}
	if _, err := s.group(ctx, chatID, actorID); err != nil {
		return err
	}
	if err := s.store.UpdateChatProfile(ctx, chatID, name, picture); err != nil {
		return s.translate(err)
	}
	return nil
}

func (s *Service) group(ctx context.Context, chatID int64, actorID string) (*storage.Chat, error) {
	chat, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("load chat %d: %w", chatID, err)
	}
	if chat == nil {
		return nil, ErrNotFound
	}
	if _, err := s.participant(ctx, chatID, actorID); err != nil {
		return nil, err
	}
	if chat.Kind != storage.ChatGroup {
		return nil, ErrNotGroup
	}
	return chat, nil
}

func (s *Service) participant(ctx context.Context, chatID int64, userID string) (*storage.Participant, error) {
	p, err := s.store.GetParticipant(ctx, chatID, userID)
	if err != nil {
		return nil, fmt.Errorf("load participant %s of chat %d: %w", userID, chatID, err)
	}
	if p == nil {
		return nil, ErrNotFound
	}
	return p, nil
}

func (s *Service) translate(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// DirectKey is the order-independent identity of a one-to-one chat.
func DirectKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}
