package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatforge/internal/artifacts"
	"chatforge/internal/identity"
	"chatforge/internal/tools"
	"chatforge/pkg/ai"
	"chatforge/pkg/domain"
	"chatforge/pkg/store"
)

// ProfileFetcher resolves identity-provider profiles for first-time users.
type ProfileFetcher interface {
	FetchProfile(ctx context.Context, subject string) (identity.Profile, error)
}

// ToolProvider assembles the per-request tool set.
type ToolProvider interface {
	Acquire(ctx context.Context, userID string, emitter artifacts.Emitter) *tools.Set
}

// ChatEvent describes a chat lifecycle event published after persistence.
type ChatEvent struct {
	Type      string    `json:"type"`
	ChatID    string    `json:"chatId"`
	UserID    string    `json:"userId"`
	MessageID string    `json:"messageId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Publisher emits chat lifecycle events. Publish failures are tolerated.
type Publisher interface {
	PublishChatEvent(ctx context.Context, event ChatEvent) error
}

// Config holds runtime configuration for the core application.
type Config struct {
	Store     store.Store
	Generator ai.StreamGenerator
	Titler    ai.TextGenerator
	Profiles  ProfileFetcher
	Tools     ToolProvider
	Publisher Publisher
	MaxSteps  int
}

// App is the core application service wiring storage, identity sync, tools
// and chat generation together.
type App struct {
	store     store.Store
	generator ai.StreamGenerator
	titler    ai.TextGenerator
	profiles  ProfileFetcher
	tools     ToolProvider
	publisher Publisher
	maxSteps  int
}

// New constructs the application. Store, Generator and Profiles are required;
// Tools and Publisher are optional.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	if cfg.Generator == nil {
		return nil, fmt.Errorf("generator required")
	}
	if cfg.Profiles == nil {
		return nil, fmt.Errorf("profile client required")
	}
	titler := cfg.Titler
	if titler == nil {
		if tg, ok := cfg.Generator.(ai.TextGenerator); ok {
			titler = tg
		}
	}
	return &App{
		store:     cfg.Store,
		generator: cfg.Generator,
		titler:    titler,
		profiles:  cfg.Profiles,
		tools:     cfg.Tools,
		publisher: cfg.Publisher,
		maxSteps:  cfg.MaxSteps,
	}, nil
}

// EnsureLocalUser returns the local user for an authenticated subject,
// provisioning it from the identity provider on first contact. Concurrent
// first requests are safe because the insert is idempotent.
func (a *App) EnsureLocalUser(ctx context.Context, subject string) (domain.User, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return domain.User{}, ErrUnauthorized
	}
	user, found, err := a.store.GetUserByID(subject)
	if err != nil {
		return domain.User{}, fmt.Errorf("load user: %w", err)
	}
	if found {
		return user, nil
	}

	profile, err := a.profiles.FetchProfile(ctx, subject)
	if err != nil {
		return domain.User{}, fmt.Errorf("%w: %v", ErrSyncFailure, err)
	}
	email := profile.PrimaryEmail()
	if email == "" {
		return domain.User{}, ErrProfileIncomplete
	}
	user, err = a.store.EnsureUser(domain.User{
		ID:        subject,
		Email:     email,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return domain.User{}, fmt.Errorf("provision user: %w", err)
	}
	return user, nil
}

// History returns one page of the user's chats, newest first.
func (a *App) History(user domain.User, limit int, startingAfter, endingBefore string) (domain.ChatPage, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	page, err := a.store.ListChatsByUser(user.ID, limit, startingAfter, endingBefore)
	if err != nil {
		var cursorErr store.ErrCursorNotFound
		if errors.As(err, &cursorErr) {
			return domain.ChatPage{}, ErrNotFound
		}
		return domain.ChatPage{}, fmt.Errorf("list chats: %w", err)
	}
	return page, nil
}

// DeleteChat removes a chat and its dependents. Unknown id is not-found;
// someone else's chat is unauthorized.
func (a *App) DeleteChat(user domain.User, chatID string) error {
	chat, found, err := a.store.GetChatByID(chatID)
	if err != nil {
		return fmt.Errorf("load chat: %w", err)
	}
	if !found {
		return ErrNotFound
	}
	if chat.UserID != user.ID {
		return ErrUnauthorized
	}
	if err := a.store.DeleteChat(chatID); err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	return nil
}

// UpdateChatVisibility toggles a chat between private and public sharing.
func (a *App) UpdateChatVisibility(user domain.User, chatID string, visibility domain.ChatVisibility) error {
	if visibility != domain.VisibilityPrivate && visibility != domain.VisibilityPublic {
		return fmt.Errorf("invalid visibility %q", visibility)
	}
	chat, found, err := a.store.GetChatByID(chatID)
	if err != nil {
		return fmt.Errorf("load chat: %w", err)
	}
	if !found {
		return ErrNotFound
	}
	if chat.UserID != user.ID {
		return ErrUnauthorized
	}
	if err := a.store.UpdateChatVisibility(chatID, visibility); err != nil {
		return fmt.Errorf("update visibility: %w", err)
	}
	return nil
}

// Votes lists the votes of an owned chat.
func (a *App) Votes(user domain.User, chatID string) ([]domain.Vote, error) {
	if _, err := a.ownedChat(user, chatID); err != nil {
		return nil, err
	}
	votes, err := a.store.ListVotesByChat(chatID)
	if err != nil {
		return nil, fmt.Errorf("list votes: %w", err)
	}
	return votes, nil
}

// Vote records an up or down vote on a message of an owned chat. Repeated
// votes overwrite.
func (a *App) Vote(user domain.User, chatID, messageID string, isUpvoted bool) error {
	chat, found, err := a.store.GetChatByID(chatID)
	if err != nil {
		return fmt.Errorf("load chat: %w", err)
	}
	if !found {
		return ErrNotFound
	}
	if chat.UserID != user.ID {
		return ErrUnauthorized
	}
	message, found, err := a.store.GetMessageByID(messageID)
	if err != nil {
		return fmt.Errorf("load message: %w", err)
	}
	if !found || message.ChatID != chatID {
		return ErrNotFound
	}
	if err := a.store.SaveVote(chatID, messageID, isUpvoted); err != nil {
		return fmt.Errorf("save vote: %w", err)
	}
	return nil
}

// Suggestions lists suggestions through the owning document.
func (a *App) Suggestions(user domain.User, documentID string) ([]domain.Suggestion, error) {
	if _, err := a.ownedDocument(user, documentID); err != nil {
		return nil, err
	}
	items, err := a.store.ListSuggestionsByDocument(documentID)
	if err != nil {
		return nil, fmt.Errorf("list suggestions: %w", err)
	}
	return items, nil
}

// DocumentRevisions returns all revisions of an owned document, oldest first.
func (a *App) DocumentRevisions(user domain.User, documentID string) ([]domain.Document, error) {
	if _, err := a.ownedDocument(user, documentID); err != nil {
		return nil, err
	}
	revisions, err := a.store.ListDocumentRevisions(documentID)
	if err != nil {
		return nil, fmt.Errorf("list document revisions: %w", err)
	}
	return revisions, nil
}

// SaveDocumentRevision appends a revision to a document the user owns, or
// creates the document when the id is new.
func (a *App) SaveDocumentRevision(user domain.User, documentID, title, content string, kind domain.DocumentKind) (domain.Document, error) {
	if kind != domain.KindText && kind != domain.KindImage {
		return domain.Document{}, fmt.Errorf("invalid document kind %q", kind)
	}
	latest, found, err := a.store.GetLatestDocument(documentID)
	if err != nil {
		return domain.Document{}, fmt.Errorf("load document: %w", err)
	}
	if found && latest.UserID != user.ID {
		return domain.Document{}, ErrNotFound
	}
	revision := domain.Document{
		ID:        documentID,
		UserID:    user.ID,
		Title:     title,
		Kind:      kind,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.store.SaveDocument(revision); err != nil {
		return domain.Document{}, fmt.Errorf("save document: %w", err)
	}
	return revision, nil
}

// RevertDocument discards revisions created at or after ts, together with
// their suggestions.
func (a *App) RevertDocument(user domain.User, documentID string, ts time.Time) error {
	if _, err := a.ownedDocument(user, documentID); err != nil {
		return err
	}
	if err := a.store.DeleteDocumentRevisionsAfter(documentID, ts); err != nil {
		return fmt.Errorf("revert document: %w", err)
	}
	return nil
}

// DeleteTrailingMessages truncates a chat from the given message onward,
// supporting edit-and-regenerate.
func (a *App) DeleteTrailingMessages(user domain.User, messageID string) error {
	message, found, err := a.store.GetMessageByID(messageID)
	if err != nil {
		return fmt.Errorf("load message: %w", err)
	}
	if !found {
		return ErrNotFound
	}
	chat, found, err := a.store.GetChatByID(message.ChatID)
	if err != nil {
		return fmt.Errorf("load chat: %w", err)
	}
	if !found {
		return ErrNotFound
	}
	if chat.UserID != user.ID {
		return ErrUnauthorized
	}
	if err := a.store.DeleteMessagesAfter(message.ChatID, message.CreatedAt); err != nil {
		return fmt.Errorf("delete trailing messages: %w", err)
	}
	return nil
}

// Messages returns a chat's messages. Public chats are readable by anyone;
// private chats only by their owner, with mismatch masked as not-found.
func (a *App) Messages(user domain.User, chatID string) ([]domain.Message, error) {
	chat, found, err := a.store.GetChatByID(chatID)
	if err != nil {
		return nil, fmt.Errorf("load chat: %w", err)
	}
	if !found {
		return nil, ErrNotFound
	}
	if chat.Visibility != domain.VisibilityPublic && chat.UserID != user.ID {
		return nil, ErrNotFound
	}
	messages, err := a.store.ListMessagesByChat(chatID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return messages, nil
}

// ownedChat masks both absence and foreign ownership as not-found.
func (a *App) ownedChat(user domain.User, chatID string) (domain.Chat, error) {
	chat, found, err := a.store.GetChatByID(chatID)
	if err != nil {
		return domain.Chat{}, fmt.Errorf("load chat: %w", err)
	}
	if !found || chat.UserID != user.ID {
		return domain.Chat{}, ErrNotFound
	}
	return chat, nil
}

// ownedDocument masks both absence and foreign ownership as not-found.
func (a *App) ownedDocument(user domain.User, documentID string) (domain.Document, error) {
	document, found, err := a.store.GetLatestDocument(documentID)
	if err != nil {
		return domain.Document{}, fmt.Errorf("load document: %w", err)
	}
	if !found || document.UserID != user.ID {
		return domain.Document{}, ErrNotFound
	}
	return document, nil
}
