// Package enumerate implements the Enumerator (C6): walks the paginated
// model/image endpoints for each configured input (user handle or model
// id), filters by base model (C7), plans destinations (C4), and persists
// every discovered unit of work into the Task Store (C8) before it can be
// scheduled; the Scheduler runs alongside enumeration and only ever sees
// tasks that are already stored. Input-list
// parsing lives in internal/config,
// which already owns every other text-file convention the CLI reads;
// BuildInputs just tags config's plain string lists with their pipeline.
package enumerate

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"time"

	"github.com/tachyon-labs/civitai-fetch/internal/civitai"
	"github.com/tachyon-labs/civitai-fetch/internal/filter"
	"github.com/tachyon-labs/civitai-fetch/internal/ratelimit"
	"github.com/tachyon-labs/civitai-fetch/internal/storage"
	"github.com/tachyon-labs/civitai-fetch/internal/taxonomy"
	"github.com/tachyon-labs/civitai-fetch/internal/transport"
)

// InputKind distinguishes the two input-list flavors.
type InputKind string

const (
	InputUser  InputKind = "user"
	InputModel InputKind = "model"
)

// Input is one input-list entry already resolved to a bare handle or model
// id string (config.ParseLines/ParseLinesFile already stripped any URL
// wrapper).
type Input struct {
	Kind  InputKind
	Value string
}

// BuildInputs tags two already-parsed string lists (config.InputsConfig)
// with their pipeline kind, in users-then-models order.
func BuildInputs(users, models []string) []Input {
	inputs := make([]Input, 0, len(users)+len(models))
	for _, u := range users {
		inputs = append(inputs, Input{Kind: InputUser, Value: u})
	}
	for _, m := range models {
		inputs = append(inputs, Input{Kind: InputModel, Value: m})
	}
	return inputs
}

// Enumerator drives the discovery loop for one run.
type Enumerator struct {
	client        *civitai.Client
	gov           *ratelimit.Governor
	store         *storage.Store
	table         taxonomy.Table
	filter        *filter.BaseModel
	root          string
	logger        *slog.Logger
	maxUserImages int
	maxAttempts   int
}

// New builds an Enumerator. maxUserImages caps how many unattached
// gallery images are enumerated per creator (0 or negative means
// unbounded); maxAttempts caps the paging retry loop (values below 1
// are treated as 1, i.e. no retry).
func New(client *civitai.Client, gov *ratelimit.Governor, store *storage.Store, table taxonomy.Table, bm *filter.BaseModel, root string, logger *slog.Logger, maxUserImages, maxAttempts int) *Enumerator {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Enumerator{client: client, gov: gov, store: store, table: table, filter: bm, root: root, logger: logger, maxUserImages: maxUserImages, maxAttempts: maxAttempts}
}

// Stats summarizes one enumeration pass.
type Stats struct {
	ModelsSeen   int
	VersionsSeen int
	TasksEnqueued int
	FilterStats  filter.Stats
}

// Run walks every input to completion, enqueueing tasks as it goes so a
// crash mid-enumeration still leaves earlier pages' work resumable.
func (e *Enumerator) Run(ctx context.Context, inputs []Input) (Stats, error) {
	var stats Stats
	for _, in := range inputs {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		exists, err := e.store.EnumeratedInputExists(in.Value)
		if err != nil {
			return stats, fmt.Errorf("enumerate: checking dedup for %s: %w", in.Value, err)
		}
		if exists {
			e.logger.Debug("skipping already-enumerated input", "value", in.Value, "kind", in.Kind)
			continue
		}

		switch in.Kind {
		case InputUser:
			if err := e.enumerateUser(ctx, in.Value, &stats); err != nil {
				return stats, err
			}
		case InputModel:
			if err := e.enumerateModel(ctx, in.Value, &stats); err != nil {
				return stats, err
			}
		}

		if err := e.store.MarkEnumerated(in.Value, string(in.Kind)); err != nil {
			return stats, fmt.Errorf("enumerate: marking %s enumerated: %w", in.Value, err)
		}
	}
	if e.filter != nil {
		stats.FilterStats = e.filter.Stats()
	}
	return stats, nil
}

func (e *Enumerator) enumerateUser(ctx context.Context, handle string, stats *Stats) error {
	cursor := ""
	for {
		page, err := e.fetchModelsPage(ctx, handle, cursor)
		if err != nil {
			return err
		}
		for _, m := range page.Items {
			stats.ModelsSeen++
			if err := e.enumerateModelRecord(ctx, m, stats); err != nil {
				return err
			}
		}
		if err := e.enumerateUserImages(ctx, handle); err != nil {
			return err
		}
		if page.Metadata.NextPage == "" && page.Metadata.NextCursor == "" {
			return nil
		}
		cursor = firstNonEmpty(page.Metadata.NextPage, page.Metadata.NextCursor)
	}
}

func (e *Enumerator) enumerateModel(ctx context.Context, idStr string, stats *Stats) error {
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return fmt.Errorf("enumerate: invalid model id %q: %w", idStr, err)
	}
	m, err := withRetryOp(e, ctx, ratelimit.ChannelModelAPI, func(ctx context.Context) (civitai.Model, error) {
		return e.client.Model(ctx, id)
	})
	if err != nil {
		return err
	}
	stats.ModelsSeen++
	return e.enumerateModelRecord(ctx, m, stats)
}

func (e *Enumerator) enumerateModelRecord(ctx context.Context, m civitai.Model, stats *Stats) error {
	for _, v := range m.Versions {
		stats.VersionsSeen++
		if e.filter != nil && !e.filter.Admit(v.BaseModel) {
			continue
		}
		if err := e.enumerateVersion(ctx, m, v, stats); err != nil {
			return err
		}
	}
	return nil
}

func (e *Enumerator) enumerateVersion(ctx context.Context, m civitai.Model, v civitai.Version, stats *Stats) error {
	dest := e.table.VersionDir(e.root, v.BaseModel, m.Tags, m.Creator.Username, m.Name, v.Name)

	for _, f := range v.Files {
		primary := taxonomy.PrimaryFileName(f.Name)
		targetPath := filepath.Join(dest.Dir, primary)
		id, err := e.store.Enqueue(storage.KindModelFile, fmt.Sprintf("file:%d:%s", v.ID, f.Name), targetPath, storage.TaskPayload{
			URL:          f.DownloadURL,
			Destination:  targetPath,
			DeclaredSize: int64(f.SizeKB * 1024),
			Hashes:       f.Hashes,
			ModelID:      m.ID,
			VersionID:    v.ID,
			Creator:      m.Creator.Username,
		})
		if err != nil {
			return fmt.Errorf("enumerate: enqueueing model file: %w", err)
		}
		if id != "" {
			stats.TasksEnqueued++
		}
	}

	for i, img := range v.Images {
		previewPath := filepath.Join(dest.Dir, galleryOrPreviewName(v.Files, i, img))
		id, err := e.store.Enqueue(storage.KindPreviewImage, fmt.Sprintf("preview:%d:%d", v.ID, img.ID), previewPath, storage.TaskPayload{
			URL:         img.URL,
			Destination: previewPath,
			VersionID:   v.ID,
			ImageID:     img.ID,
			Creator:     m.Creator.Username,
		})
		if err != nil {
			return fmt.Errorf("enumerate: enqueueing preview image: %w", err)
		}
		if id != "" {
			stats.TasksEnqueued++
		}
	}
	return nil
}

func galleryOrPreviewName(files []civitai.File, index int, img civitai.Image) string {
	ext := filepath.Ext(img.URL)
	if index == 0 && len(files) > 0 {
		return taxonomy.PreviewFileName(taxonomy.PrimaryFileName(files[0].Name), 0, ext)
	}
	return taxonomy.GalleryFileName(img.ID, ext)
}

func (e *Enumerator) enumerateUserImages(ctx context.Context, handle string) error {
	cursor := ""
	enqueued := 0
	for {
		page, err := withRetryOp(e, ctx, ratelimit.ChannelImageAPI, func(ctx context.Context) (civitai.Page[civitai.Image], error) {
			return e.client.ImagesByUser(ctx, handle, cursor, 100)
		})
		if err != nil {
			return err
		}
		dir := taxonomy.ImageDir(e.root, handle)
		for _, img := range page.Items {
			if e.maxUserImages > 0 && enqueued >= e.maxUserImages {
				e.logger.Debug("max_user_images cap reached for creator", "creator", handle, "limit", e.maxUserImages)
				return nil
			}
			ext := filepath.Ext(img.URL)
			targetPath := filepath.Join(dir, fmt.Sprintf("%d%s", img.ID, ext))
			if _, err := e.store.Enqueue(storage.KindUserImage, fmt.Sprintf("userimg:%d", img.ID), targetPath, storage.TaskPayload{
				URL: img.URL, Destination: targetPath, ImageID: img.ID, Creator: handle,
			}); err != nil {
				return fmt.Errorf("enumerate: enqueueing user image: %w", err)
			}
			enqueued++
		}
		if page.Metadata.NextPage == "" && page.Metadata.NextCursor == "" {
			return nil
		}
		cursor = firstNonEmpty(page.Metadata.NextPage, page.Metadata.NextCursor)
	}
}

func (e *Enumerator) fetchModelsPage(ctx context.Context, handle, cursor string) (civitai.Page[civitai.Model], error) {
	return withRetryOp(e, ctx, ratelimit.ChannelModelAPI, func(ctx context.Context) (civitai.Page[civitai.Model], error) {
		return e.client.ModelsByCreator(ctx, handle, cursor)
	})
}

// withRetryOp wraps one API call with the rate governor and the standard
// retry policy, stopping after e.maxAttempts attempts.
func withRetryOp[T any](e *Enumerator, ctx context.Context, ch ratelimit.Channel, op func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		if err := e.gov.Acquire(ctx, ch); err != nil {
			return zero, err
		}
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		classified := transport.Classify(err, 0, 0)
		lastErr = classified
		if !classified.Class.Retryable() || attempt >= e.maxAttempts {
			return zero, classified
		}
		delay := transport.Backoff(classified.Class, attempt, classified.RetryAfter)
		e.logger.Warn("retrying paging request", "attempt", attempt, "class", classified.Class, "delay", delay)
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}
	return zero, lastErr
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
