package delivery

import (
	"context"
	"time"

	"covidbot/internal/format"
)

// Recipient is an opaque platform identifier (Telegram chat id, phone number, ...).
type Recipient string

// Entry is one (recipient, response) pair of a batch.
type Entry struct {
	Recipient Recipient
	Response  format.Response
	// AsOf is the data date the response reflects. It is handed to
	// Registry.MarkDelivered once the entry was sent.
	AsOf time.Time
}

// Batch is processed strictly in order.
type Batch []Entry

// MessageRef identifies a sent message so it can be deleted later.
type MessageRef struct {
	Recipient Recipient
	ID        string
}

// FileHandle is a platform-side reference to an already uploaded file.
type FileHandle string

// Image is an image reference plus its cached platform handle (if any).
type Image struct {
	Path   string
	Handle FileHandle
}

// TextOptions are passed along with a text part.
type TextOptions struct {
	Target         format.Target
	Choices        []format.Choice
	DisablePreview bool
}

// Transport is the per-platform sender. Implementations must not retry.
type Transport interface {
	SendText(ctx context.Context, to Recipient, text string, opt TextOptions) (MessageRef, error)
	// SendPhoto returns the platform handle of the uploaded image (may be empty).
	SendPhoto(ctx context.Context, to Recipient, img Image, caption string, target format.Target) (MessageRef, FileHandle, error)
	// SendMediaGroup returns one handle per image, in order (entries may be empty).
	SendMediaGroup(ctx context.Context, to Recipient, imgs []Image) ([]MessageRef, []FileHandle, error)
	DeleteMessage(ctx context.Context, ref MessageRef) error
}

// Registry is the subscription store as seen by the dispatcher.
type Registry interface {
	// RemoveRecipient permanently deletes the recipient and its subscriptions.
	RemoveRecipient(ctx context.Context, id Recipient) error
	// RemapRecipient moves the stored identity; false means nothing was moved.
	RemapRecipient(ctx context.Context, from, to Recipient) (bool, error)
	// DisableRecipient keeps the data but stops future deliveries.
	DisableRecipient(ctx context.Context, id Recipient) error
	// MarkDelivered advances the recipient's last-delivered marker to asOf.
	MarkDelivered(ctx context.Context, id Recipient, asOf time.Time) error
}
