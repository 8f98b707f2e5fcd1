// Package attachment holds the compose-side attachment state of one
// conversation view: file selection, media inspection, video thumbnail
// extraction and submission.
package attachment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/example/chat-sync-engine/domain/chat"
	"github.com/go-monolith/mono/pkg/types"
)

// State is the compose state of the attachment slot.
type State string

const (
	StateIdle       State = "idle"
	StateSelected   State = "selected"
	StateExtracting State = "extracting-thumbnail"
	StateReady      State = "ready"
	StateFailedType State = "failed-type"
)

// Uploader is the send side of the chat API.
type Uploader interface {
	SendChat(ctx context.Context, conversationID string, draft chat.Draft) (chat.Message, error)
	SendAttachment(ctx context.Context, conversationID string, file chat.File, draft chat.Draft, thumbnail []byte) (chat.Message, error)
}

// Compose is a read-only view of the attachment slot.
type Compose struct {
	Mode         chat.AttachmentType `json:"mode,omitempty"`
	State        State               `json:"state"`
	FileName     string              `json:"file_name,omitempty"`
	MIME         string              `json:"mime,omitempty"`
	Category     chat.AttachmentType `json:"category,omitempty"`
	Size         int64               `json:"size,omitempty"`
	SizeLabel    string              `json:"size_label,omitempty"`
	TypeLabel    string              `json:"type_label,omitempty"`
	HasThumbnail bool                `json:"has_thumbnail"`
}

// Outgoing is the frozen content of one send. It survives later changes
// to the compose slot so a failed send can be retried as authored.
type Outgoing struct {
	File      *chat.File
	Category  chat.AttachmentType
	Thumbnail []byte
	gen       uint64
}

// Preview returns the attachment shown on the optimistic entry.
func (o Outgoing) Preview() *chat.Attachment {
	if o.File == nil {
		return nil
	}
	return &chat.Attachment{Type: o.Category, Ref: o.File.Name}
}

// Pipeline is the attachment state machine of one conversation view.
type Pipeline struct {
	logger    types.Logger
	extractor FrameExtractor
	offset    time.Duration
	maxEdge   int
	onChange  func(Compose)

	base       context.Context
	stop       context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.Mutex
	mode       chat.AttachmentType
	state      State
	file       *chat.File
	category   chat.AttachmentType
	thumbnail  []byte
	gen        uint64
	cancelWork context.CancelFunc
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithExtractor sets the video frame extractor.
func WithExtractor(e FrameExtractor) Option {
	return func(p *Pipeline) { p.extractor = e }
}

// WithFrameOffset sets the video position used for thumbnails.
func WithFrameOffset(d time.Duration) Option {
	return func(p *Pipeline) { p.offset = d }
}

// WithThumbnailSize bounds the thumbnail's longer edge.
func WithThumbnailSize(px int) Option {
	return func(p *Pipeline) { p.maxEdge = px }
}

// WithOnChange registers a callback fired after asynchronous transitions.
func WithOnChange(fn func(Compose)) Option {
	return func(p *Pipeline) { p.onChange = fn }
}

// NewPipeline creates an idle pipeline.
func NewPipeline(logger types.Logger, opts ...Option) *Pipeline {
	base, stop := context.WithCancel(context.Background())
	p := &Pipeline{
		logger:    logger,
		extractor: FFmpegExtractor{},
		offset:    DefaultFrameOffset,
		maxEdge:   DefaultThumbnailSize,
		base:      base,
		stop:      stop,
		state:     StateIdle,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetMode records the attachment category the user asked for and clears
// any previous selection.
func (p *Pipeline) SetMode(mode chat.AttachmentType) error {
	if !mode.Valid() {
		return chat.Classify("select mode", fmt.Errorf("%w: %q", chat.ErrInvalidMode, mode))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clearLocked()
	p.mode = mode
	return nil
}

// Select inspects a chosen file. A document chosen in a non-document mode
// is rejected; any other mismatch adopts the detected category. Videos
// move to extracting-thumbnail and become ready in the background.
func (p *Pipeline) Select(name, declaredMIME string, data []byte) (Compose, error) {
	if len(data) == 0 {
		return p.Snapshot(), chat.Classify("select file", chat.ErrEmptyFile)
	}
	category, mt := Inspect(name, declaredMIME, data)

	p.mu.Lock()
	if category == chat.AttachmentDocument && p.mode != "" && p.mode != chat.AttachmentDocument {
		p.clearLocked()
		p.state = StateFailedType
		snap := p.snapshotLocked()
		p.mu.Unlock()
		return snap, chat.Classify("select file", chat.ErrInvalidAttachmentType)
	}

	p.clearLocked()
	p.file = &chat.File{Name: name, MIME: mt, Data: append([]byte(nil), data...)}
	p.category = category
	p.state = StateSelected

	if category != chat.AttachmentVideo || p.extractor == nil {
		p.state = StateReady
		snap := p.snapshotLocked()
		p.mu.Unlock()
		return snap, nil
	}

	p.state = StateExtracting
	ctx, cancel := context.WithCancel(p.base)
	p.cancelWork = cancel
	gen, file := p.gen, p.file
	snap := p.snapshotLocked()
	p.wg.Add(1)
	p.mu.Unlock()

	go p.extract(ctx, cancel, gen, file)
	return snap, nil
}

func (p *Pipeline) extract(ctx context.Context, cancel context.CancelFunc, gen uint64, file *chat.File) {
	defer p.wg.Done()
	defer cancel()

	var thumb []byte
	frame, err := p.extractor.ExtractFrame(ctx, file.Data, p.offset)
	if err == nil {
		thumb, err = Thumbnail(frame, p.maxEdge)
	}
	if err != nil {
		p.logger.Warn("Thumbnail extraction failed, sending without preview",
			"file", file.Name, "error", err)
	}

	p.mu.Lock()
	if p.gen != gen {
		p.mu.Unlock()
		return
	}
	p.thumbnail = thumb
	p.state = StateReady
	p.cancelWork = nil
	snap := p.snapshotLocked()
	p.mu.Unlock()

	if p.onChange != nil {
		p.onChange(snap)
	}
}

// Snapshot returns the current compose state.
func (p *Pipeline) Snapshot() Compose {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *Pipeline) snapshotLocked() Compose {
	c := Compose{Mode: p.mode, State: p.state, HasThumbnail: len(p.thumbnail) > 0}
	if p.file != nil {
		c.FileName = p.file.Name
		c.MIME = p.file.MIME
		c.Category = p.category
		c.Size = p.file.Size()
		c.SizeLabel = chat.FileSizeLabel(c.Size)
		c.TypeLabel = chat.FileTypeLabel(c.MIME)
	}
	return c
}

// Prepare freezes the current selection for sending. A thumbnail that is
// still being extracted is not waited for.
func (p *Pipeline) Prepare() Outgoing {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := Outgoing{gen: p.gen}
	if p.file != nil && p.state != StateFailedType {
		out.File = p.file
		out.Category = p.category
		out.Thumbnail = p.thumbnail
	}
	return out
}

// Submit sends draft with the frozen attachment. On success the compose
// slot is cleared unless it changed since Prepare; on failure it is left
// untouched so the user can retry.
func (p *Pipeline) Submit(ctx context.Context, conversationID string, draft chat.Draft, out Outgoing, up Uploader) (chat.Message, error) {
	var (
		msg chat.Message
		err error
	)
	if out.File == nil {
		draft.AttachmentType = ""
		if err := chat.ValidateDraft(draft, false); err != nil {
			return chat.Message{}, chat.Classify("send", err)
		}
		msg, err = up.SendChat(ctx, conversationID, draft)
	} else {
		draft.AttachmentType = out.Category
		if err := chat.ValidateDraft(draft, true); err != nil {
			return chat.Message{}, chat.Classify("send", err)
		}
		p.logger.Debug("Uploading attachment",
			"conversationID", conversationID,
			"file", out.File.Name,
			"size", humanize.IBytes(uint64(out.File.Size())))
		msg, err = up.SendAttachment(ctx, conversationID, *out.File, draft, out.Thumbnail)
	}
	if err != nil {
		return chat.Message{}, chat.Classify("send", err)
	}

	p.mu.Lock()
	if p.gen == out.gen && out.File != nil {
		p.clearLocked()
	}
	p.mu.Unlock()
	return msg, nil
}

// Send prepares and submits in one step.
func (p *Pipeline) Send(ctx context.Context, conversationID string, draft chat.Draft, up Uploader) (chat.Message, error) {
	return p.Submit(ctx, conversationID, draft, p.Prepare(), up)
}

// Reset clears the selection and keeps the mode.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clearLocked()
}

func (p *Pipeline) clearLocked() {
	if p.cancelWork != nil {
		p.cancelWork()
		p.cancelWork = nil
	}
	p.gen++
	p.file = nil
	p.category = ""
	p.thumbnail = nil
	p.state = StateIdle
}

// Close cancels background extraction and waits for it to finish.
func (p *Pipeline) Close() {
	p.stop()
	p.Reset()
	p.wg.Wait()
}

// Wait blocks until background extraction has finished.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}
