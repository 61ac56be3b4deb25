package storage

import (
	"context"

	"github.com/httprunner/DeviceFarm/internal/workload"
	"github.com/pkg/errors"
)

// WorkloadRepo persists workloads, video metadata, cycle results and the
// audit log. It implements workload.Store.
type WorkloadRepo struct {
	workloads *Table
	videos    *Table
	cycles    *Table
	logs      *Table
}

func NewWorkloadRepo(db Backend) *WorkloadRepo {
	return &WorkloadRepo{
		workloads: NewTable(db, tableWorkloads, "id"),
		videos:    NewTable(db, tableVideos, "id"),
		cycles:    NewTable(db, tableCycles),
		logs:      NewTable(db, tableLogs),
	}
}

func (r *WorkloadRepo) GetWorkload(ctx context.Context, id string) (*workload.Workload, error) {
	row, err := r.workloads.SelectOne(ctx, Filter{"id": id})
	if err != nil || row == nil {
		return nil, err
	}
	return workloadFromRow(row)
}

func (r *WorkloadRepo) SaveWorkload(ctx context.Context, wl *workload.Workload) error {
	videoIDs, err := jsonText(wl.VideoIDs)
	if err != nil {
		return errors.Wrap(err, "storage: encode video ids")
	}
	targets, err := jsonText(wl.TargetWorkstations)
	if err != nil {
		return errors.Wrap(err, "storage: encode target workstations")
	}
	opts, err := jsonText(wl.Options)
	if err != nil {
		return errors.Wrap(err, "storage: encode batch options")
	}
	return r.workloads.Upsert(ctx, Row{
		"id":                  wl.ID,
		"name":                wl.Name,
		"video_ids":           videoIDs,
		"status":              string(wl.Status),
		"current_index":       int64(wl.CurrentIndex),
		"options":             opts,
		"cycle_interval_ms":   wl.CycleInterval.Milliseconds(),
		"target_workstations": targets,
		"last_error":          wl.LastError,
		"completed_videos":    int64(wl.CompletedVideos),
		"success_count":       int64(wl.SuccessCount),
		"failed_count":        int64(wl.FailedCount),
		"created_at":          millis(wl.CreatedAt),
		"started_at":          millis(wl.StartedAt),
		"finished_at":         millis(wl.FinishedAt),
		"updated_at":          millis(wl.UpdatedAt),
	})
}

// ListWorkloads returns workloads ordered by id, optionally restricted to statuses.
func (r *WorkloadRepo) ListWorkloads(ctx context.Context, statuses ...workload.Status) ([]*workload.Workload, error) {
	where := Filter{}
	if len(statuses) > 0 {
		in := make([]string, len(statuses))
		for i, s := range statuses {
			in[i] = string(s)
		}
		where["status"] = in
	}
	rows, err := r.workloads.Select(ctx, where, SelectOptions{OrderBy: "id"})
	if err != nil {
		return nil, err
	}
	out := make([]*workload.Workload, 0, len(rows))
	for _, row := range rows {
		wl, err := workloadFromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, wl)
	}
	return out, nil
}

func workloadFromRow(row Row) (*workload.Workload, error) {
	wl := &workload.Workload{
		ID:              row.String("id"),
		Name:            row.String("name"),
		Status:          workload.Status(row.String("status")),
		CurrentIndex:    row.Int("current_index"),
		CycleInterval:   row.Duration("cycle_interval_ms"),
		LastError:       row.String("last_error"),
		CompletedVideos: row.Int("completed_videos"),
		SuccessCount:    row.Int("success_count"),
		FailedCount:     row.Int("failed_count"),
		CreatedAt:       row.Time("created_at"),
		StartedAt:       row.Time("started_at"),
		FinishedAt:      row.Time("finished_at"),
		UpdatedAt:       row.Time("updated_at"),
	}
	if err := row.JSON("video_ids", &wl.VideoIDs); err != nil {
		return nil, errors.Wrapf(err, "storage: decode video ids of %s", wl.ID)
	}
	if err := row.JSON("target_workstations", &wl.TargetWorkstations); err != nil {
		return nil, errors.Wrapf(err, "storage: decode targets of %s", wl.ID)
	}
	if err := row.JSON("options", &wl.Options); err != nil {
		return nil, errors.Wrapf(err, "storage: decode options of %s", wl.ID)
	}
	return wl, nil
}

func (r *WorkloadRepo) GetVideo(ctx context.Context, id string) (*workload.Video, error) {
	row, err := r.videos.SelectOne(ctx, Filter{"id": id})
	if err != nil || row == nil {
		return nil, err
	}
	return &workload.Video{ID: row.String("id"), URL: row.String("url"), Title: row.String("title")}, nil
}

func (r *WorkloadRepo) SaveVideo(ctx context.Context, v *workload.Video) error {
	return r.videos.Upsert(ctx, Row{"id": v.ID, "url": v.URL, "title": v.Title})
}

func (r *WorkloadRepo) SaveCycle(ctx context.Context, c *workload.CycleResult) error {
	return r.cycles.Insert(ctx, Row{
		"workload_id":   c.WorkloadID,
		"video_id":      c.VideoID,
		"video_index":   int64(c.Index),
		"batches":       int64(c.Batches),
		"total_devices": int64(c.TotalDevices),
		"success":       int64(c.Success),
		"partial":       int64(c.Partial),
		"failed":        int64(c.Failed),
		"liked":         int64(c.Liked),
		"started_at":    millis(c.StartedAt),
		"finished_at":   millis(c.FinishedAt),
	})
}

// Cycles returns the recorded cycles of workloadID in insertion order.
func (r *WorkloadRepo) Cycles(ctx context.Context, workloadID string) ([]workload.CycleResult, error) {
	rows, err := r.cycles.Select(ctx, Filter{"workload_id": workloadID}, SelectOptions{OrderBy: "id"})
	if err != nil {
		return nil, err
	}
	out := make([]workload.CycleResult, 0, len(rows))
	for _, row := range rows {
		out = append(out, workload.CycleResult{
			WorkloadID:   row.String("workload_id"),
			VideoID:      row.String("video_id"),
			Index:        row.Int("video_index"),
			Batches:      row.Int("batches"),
			TotalDevices: row.Int("total_devices"),
			Success:      row.Int("success"),
			Partial:      row.Int("partial"),
			Failed:       row.Int("failed"),
			Liked:        row.Int("liked"),
			StartedAt:    row.Time("started_at"),
			FinishedAt:   row.Time("finished_at"),
		})
	}
	return out, nil
}

func (r *WorkloadRepo) AppendLog(ctx context.Context, entry workload.LogEntry) error {
	data := ""
	if len(entry.Data) > 0 {
		encoded, err := jsonText(entry.Data)
		if err != nil {
			return errors.Wrap(err, "storage: encode log data")
		}
		data = encoded
	}
	return r.logs.Insert(ctx, Row{
		"workload_id": entry.WorkloadID,
		"level":       entry.Level,
		"event":       entry.Event,
		"message":     entry.Message,
		"data":        data,
		"created_at":  millis(entry.CreatedAt),
	})
}

// Logs returns the newest limit entries of workloadID in chronological order.
func (r *WorkloadRepo) Logs(ctx context.Context, workloadID string, limit int) ([]workload.LogEntry, error) {
	rows, err := r.logs.Select(ctx, Filter{"workload_id": workloadID}, SelectOptions{OrderBy: "id", Desc: true, Limit: limit})
	if err != nil {
		return nil, err
	}
	out := make([]workload.LogEntry, len(rows))
	for i, row := range rows {
		entry := workload.LogEntry{
			WorkloadID: row.String("workload_id"),
			Level:      row.String("level"),
			Event:      row.String("event"),
			Message:    row.String("message"),
			CreatedAt:  row.Time("created_at"),
		}
		if err := row.JSON("data", &entry.Data); err != nil {
			return nil, errors.Wrap(err, "storage: decode log data")
		}
		out[len(rows)-1-i] = entry
	}
	return out, nil
}
