package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MacJediWizard/tidyup/internal/models"
	"github.com/MacJediWizard/tidyup/internal/registry"
	"github.com/jackc/pgx/v5"
)

var _ registry.Repository = (*DB)(nil)

// Pairing Session Methods

// CreatePairingSession stores a new pairing session.
func (db *DB) CreatePairingSession(ctx context.Context, s *models.PairingSession) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO pairing_sessions (id, code, label, approved, expires_at, completed_at, device_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, s.ID, s.Code, s.Label, s.Approved, s.ExpiresAt, s.CompletedAt, nullable(s.DeviceID), s.CreatedAt)
	if err != nil {
		return fmt.Errorf("create pairing session: %w", err)
	}
	return nil
}

// GetPairingSession returns a pairing session by ID.
func (db *DB) GetPairingSession(ctx context.Context, id string) (*models.PairingSession, error) {
	var s models.PairingSession
	var deviceID *string
	err := db.Pool.QueryRow(ctx, `
		SELECT id, code, label, approved, expires_at, completed_at, device_id, created_at
		FROM pairing_sessions
		WHERE id = $1
	`, id).Scan(&s.ID, &s.Code, &s.Label, &s.Approved, &s.ExpiresAt, &s.CompletedAt, &deviceID, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, registry.ErrPairingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pairing session: %w", err)
	}
	if deviceID != nil {
		s.DeviceID = *deviceID
	}
	return &s, nil
}

// UpdatePairingSession records approval and completion of a session.
func (db *DB) UpdatePairingSession(ctx context.Context, s *models.PairingSession) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE pairing_sessions
		SET approved = $2, completed_at = $3, device_id = $4
		WHERE id = $1
	`, s.ID, s.Approved, s.CompletedAt, nullable(s.DeviceID))
	if err != nil {
		return fmt.Errorf("update pairing session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return registry.ErrPairingNotFound
	}
	return nil
}

// Device Methods

const deviceColumns = `id, label, os, status, agent_version, host, capabilities, local_ui_port, last_heartbeat_at, paired_at, token_hash`

// CreateDevice stores a newly paired device.
func (db *DB) CreateDevice(ctx context.Context, d *models.Device) error {
	host, caps, err := deviceJSON(d)
	if err != nil {
		return err
	}
	_, err = db.Pool.Exec(ctx, `
		INSERT INTO devices (`+deviceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, d.ID, d.Label, d.OS, d.Status, d.AgentVersion, host, caps, d.LocalUIPort, d.LastHeartbeatAt, d.PairedAt, d.TokenHash)
	if err != nil {
		return fmt.Errorf("create device: %w", err)
	}
	return nil
}

// GetDevice returns a device by ID.
func (db *DB) GetDevice(ctx context.Context, id string) (*models.Device, error) {
	row := db.Pool.QueryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = $1`, id)
	return scanDevice(row)
}

// GetDeviceByTokenHash returns the device bound to a token hash.
func (db *DB) GetDeviceByTokenHash(ctx context.Context, hash string) (*models.Device, error) {
	row := db.Pool.QueryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE token_hash = $1`, hash)
	return scanDevice(row)
}

// UpdateDevice stores heartbeat-driven device changes.
func (db *DB) UpdateDevice(ctx context.Context, d *models.Device) error {
	host, caps, err := deviceJSON(d)
	if err != nil {
		return err
	}
	tag, err := db.Pool.Exec(ctx, `
		UPDATE devices
		SET label = $2, os = $3, status = $4, agent_version = $5, host = $6,
		    capabilities = $7, local_ui_port = $8, last_heartbeat_at = $9
		WHERE id = $1
	`, d.ID, d.Label, d.OS, d.Status, d.AgentVersion, host, caps, d.LocalUIPort, d.LastHeartbeatAt)
	if err != nil {
		return fmt.Errorf("update device: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return registry.ErrDeviceNotFound
	}
	return nil
}

// ListDevices returns every device in pairing order.
func (db *DB) ListDevices(ctx context.Context) ([]models.Device, error) {
	rows, err := db.Pool.Query(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY paired_at`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	devices := []models.Device{}
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *d)
	}
	return devices, rows.Err()
}

func deviceJSON(d *models.Device) ([]byte, []byte, error) {
	var host []byte
	if d.Host != nil {
		var err error
		if host, err = json.Marshal(d.Host); err != nil {
			return nil, nil, fmt.Errorf("marshal host info: %w", err)
		}
	}
	caps := d.Capabilities
	if caps == nil {
		caps = []string{}
	}
	capsBytes, err := json.Marshal(caps)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal capabilities: %w", err)
	}
	return host, capsBytes, nil
}

func scanDevice(row pgx.Row) (*models.Device, error) {
	var d models.Device
	var status string
	var host, caps []byte
	err := row.Scan(&d.ID, &d.Label, &d.OS, &status, &d.AgentVersion, &host, &caps,
		&d.LocalUIPort, &d.LastHeartbeatAt, &d.PairedAt, &d.TokenHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, registry.ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan device: %w", err)
	}
	d.Status = models.DeviceStatus(status)
	if len(host) > 0 {
		d.Host = &models.HostInfo{}
		if err := json.Unmarshal(host, d.Host); err != nil {
			return nil, fmt.Errorf("parse host info: %w", err)
		}
	}
	if err := json.Unmarshal(caps, &d.Capabilities); err != nil {
		return nil, fmt.Errorf("parse capabilities: %w", err)
	}
	return &d, nil
}

// Job Queue Methods

const jobColumns = `id, device_id, run_id, trigger, scope, mode, requested_by, status, created_at, updated_at`

// CreateJob stores a queued job and its run in one transaction.
func (db *DB) CreateJob(ctx context.Context, job *models.CleanupJob, run *models.RunSummary) error {
	scope, err := json.Marshal(job.Scope)
	if err != nil {
		return fmt.Errorf("marshal job scope: %w", err)
	}
	mode, err := json.Marshal(job.Mode)
	if err != nil {
		return fmt.Errorf("marshal job mode: %w", err)
	}
	summary, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run summary: %w", err)
	}

	return db.ExecTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO cleanup_jobs (`+jobColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, job.ID, job.DeviceID, run.RunID, job.Trigger, scope, mode, job.RequestedBy, job.Status,
			job.CreatedAt, job.UpdatedAt); err != nil {
			return fmt.Errorf("create job: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO runs (run_id, job_id, device_id, status, summary, proposals, started_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, '[]', $6, $7)
		`, run.RunID, job.ID, run.DeviceID, run.Status, summary, run.StartedAt, run.UpdatedAt); err != nil {
			return fmt.Errorf("create run: %w", err)
		}
		return nil
	})
}

// GetJob returns a job and its run ID.
func (db *DB) GetJob(ctx context.Context, id string) (*models.CleanupJob, string, error) {
	row := db.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM cleanup_jobs WHERE id = $1`, id)
	return scanJob(row)
}

// ClaimNextJob claims the oldest queued job of a device. SKIP LOCKED keeps
// two concurrent claims from receiving the same row.
func (db *DB) ClaimNextJob(ctx context.Context, deviceID string) (*models.CleanupJob, string, error) {
	var (
		job   *models.CleanupJob
		runID string
	)
	err := db.ExecTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE cleanup_jobs
			SET status = $2, updated_at = NOW()
			WHERE id = (
				SELECT id FROM cleanup_jobs
				WHERE device_id = $1 AND status = $3
				ORDER BY seq
				LIMIT 1
				FOR UPDATE SKIP LOCKED
			)
			RETURNING `+jobColumns,
			deviceID, models.RunStatusClaimed, models.RunStatusQueued)

		var err error
		job, runID, err = scanJob(row)
		if errors.Is(err, registry.ErrJobNotFound) {
			job = nil
			return nil
		}
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			UPDATE runs
			SET status = $2, summary = jsonb_set(summary, '{status}', to_jsonb($2::text)), updated_at = NOW()
			WHERE run_id = $1
		`, runID, models.RunStatusClaimed)
		if err != nil {
			return fmt.Errorf("mark run claimed: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, "", fmt.Errorf("claim next job: %w", err)
	}
	return job, runID, nil
}

func scanJob(row pgx.Row) (*models.CleanupJob, string, error) {
	var job models.CleanupJob
	var runID, trigger, status string
	var scope, mode []byte
	err := row.Scan(&job.ID, &job.DeviceID, &runID, &trigger, &scope, &mode, &job.RequestedBy, &status,
		&job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", registry.ErrJobNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("scan job: %w", err)
	}
	job.Trigger = models.TriggerKind(trigger)
	job.Status = models.RunStatus(status)
	if err := json.Unmarshal(scope, &job.Scope); err != nil {
		return nil, "", fmt.Errorf("parse job scope: %w", err)
	}
	if err := json.Unmarshal(mode, &job.Mode); err != nil {
		return nil, "", fmt.Errorf("parse job mode: %w", err)
	}
	return &job, runID, nil
}

// Run Methods

// GetRun returns a run snapshot.
func (db *DB) GetRun(ctx context.Context, runID string) (*models.RunSnapshot, error) {
	var summary, proposals []byte
	err := db.Pool.QueryRow(ctx, `SELECT summary, proposals FROM runs WHERE run_id = $1`, runID).Scan(&summary, &proposals)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, registry.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}

	var snap models.RunSnapshot
	if err := json.Unmarshal(summary, &snap.Summary); err != nil {
		return nil, fmt.Errorf("parse run summary: %w", err)
	}
	if err := json.Unmarshal(proposals, &snap.Proposals); err != nil {
		return nil, fmt.Errorf("parse run proposals: %w", err)
	}
	if snap.Proposals == nil {
		snap.Proposals = []models.Proposal{}
	}
	return &snap, nil
}

// SaveRun replaces a run snapshot and mirrors its status onto the job.
func (db *DB) SaveRun(ctx context.Context, snap *models.RunSnapshot) error {
	summary, err := json.Marshal(snap.Summary)
	if err != nil {
		return fmt.Errorf("marshal run summary: %w", err)
	}
	proposals := snap.Proposals
	if proposals == nil {
		proposals = []models.Proposal{}
	}
	proposalBytes, err := json.Marshal(proposals)
	if err != nil {
		return fmt.Errorf("marshal run proposals: %w", err)
	}

	return db.ExecTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE runs
			SET status = $2, summary = $3, proposals = $4, updated_at = $5
			WHERE run_id = $1
		`, snap.Summary.RunID, snap.Summary.Status, summary, proposalBytes, snap.Summary.UpdatedAt)
		if err != nil {
			return fmt.Errorf("save run: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return registry.ErrRunNotFound
		}
		if _, err := tx.Exec(ctx, `
			UPDATE cleanup_jobs SET status = $2, updated_at = $3 WHERE run_id = $1
		`, snap.Summary.RunID, snap.Summary.Status, snap.Summary.UpdatedAt); err != nil {
			return fmt.Errorf("update job status: %w", err)
		}
		return nil
	})
}

// ListRuns returns run summaries, newest first.
func (db *DB) ListRuns(ctx context.Context, filter registry.RunFilter) ([]models.RunSummary, error) {
	query := `SELECT summary FROM runs WHERE TRUE`
	args := []any{}
	argNum := 1

	if filter.DeviceID != "" {
		query += fmt.Sprintf(" AND device_id = $%d", argNum)
		args = append(args, filter.DeviceID)
		argNum++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argNum)
		args = append(args, filter.Status)
		argNum++
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = registry.DefaultListLimit
	}
	query += fmt.Sprintf(" ORDER BY started_at DESC LIMIT $%d", argNum)
	args = append(args, limit)

	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []models.RunSummary{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		var s models.RunSummary
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("parse run summary: %w", err)
		}
		runs = append(runs, s)
	}
	return runs, rows.Err()
}

// Progress Methods

// AppendProgress appends a progress event to a run's log.
func (db *DB) AppendProgress(ctx context.Context, ev *models.ProgressEvent) error {
	var counts []byte
	if ev.Counts != nil {
		var err error
		if counts, err = json.Marshal(ev.Counts); err != nil {
			return fmt.Errorf("marshal progress counts: %w", err)
		}
	}
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO run_progress (id, run_id, device_id, status, stage, message, counts, created_at)
		SELECT $1, run_id, $3, $4, $5, $6, $7, $8 FROM runs WHERE run_id = $2
	`, ev.ID, ev.RunID, ev.DeviceID, ev.Status, ev.Stage, ev.Message, counts, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("append progress: %w", err)
	}
	return nil
}

// ListProgress returns a run's progress log in order.
func (db *DB) ListProgress(ctx context.Context, runID string) ([]models.ProgressEvent, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, run_id, device_id, status, stage, message, counts, created_at
		FROM run_progress
		WHERE run_id = $1
		ORDER BY seq
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list progress: %w", err)
	}
	defer rows.Close()

	events := []models.ProgressEvent{}
	for rows.Next() {
		var ev models.ProgressEvent
		var status, stage string
		var counts []byte
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.DeviceID, &status, &stage, &ev.Message, &counts, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan progress: %w", err)
		}
		ev.Status = models.RunStatus(status)
		ev.Stage = models.ProgressStage(stage)
		if len(counts) > 0 {
			if err := json.Unmarshal(counts, &ev.Counts); err != nil {
				return nil, fmt.Errorf("parse progress counts: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Command Mailbox Methods

// GetCommands returns the pending mailboxes of a run.
func (db *DB) GetCommands(ctx context.Context, runID string) (*models.RunCommands, error) {
	var status string
	err := db.Pool.QueryRow(ctx, `SELECT status FROM runs WHERE run_id = $1`, runID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, registry.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run status: %w", err)
	}

	rows, err := db.Pool.Query(ctx, `SELECT kind, payload FROM run_commands WHERE run_id = $1`, runID)
	if err != nil {
		return nil, fmt.Errorf("get commands: %w", err)
	}
	defer rows.Close()

	cmds := &models.RunCommands{RunID: runID, RunStatus: models.RunStatus(status)}
	for rows.Next() {
		var kind string
		var payload []byte
		if err := rows.Scan(&kind, &payload); err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		var target any
		switch models.CommandKind(kind) {
		case models.CommandApprovals:
			cmds.Approvals = &models.ApprovalCommand{}
			target = cmds.Approvals
		case models.CommandExecute:
			cmds.Execute = &models.ExecuteCommand{}
			target = cmds.Execute
		case models.CommandRollback:
			cmds.Rollback = &models.RollbackCommand{}
			target = cmds.Rollback
		default:
			continue
		}
		if err := json.Unmarshal(payload, target); err != nil {
			return nil, fmt.Errorf("parse %s command: %w", kind, err)
		}
	}
	return cmds, rows.Err()
}

// SetApprovalCommand replaces the approval mailbox.
func (db *DB) SetApprovalCommand(ctx context.Context, runID string, cmd *models.ApprovalCommand) error {
	return db.putCommand(ctx, runID, models.CommandApprovals, cmd, cmd.RequestedAt)
}

// SetExecuteCommand replaces the execute mailbox.
func (db *DB) SetExecuteCommand(ctx context.Context, runID string, cmd *models.ExecuteCommand) error {
	return db.putCommand(ctx, runID, models.CommandExecute, cmd, cmd.RequestedAt)
}

// SetRollbackCommand replaces the rollback mailbox.
func (db *DB) SetRollbackCommand(ctx context.Context, runID string, cmd *models.RollbackCommand) error {
	return db.putCommand(ctx, runID, models.CommandRollback, cmd, cmd.RequestedAt)
}

// ClearCommand empties one mailbox.
func (db *DB) ClearCommand(ctx context.Context, runID string, kind models.CommandKind) error {
	if err := db.requireRun(ctx, runID); err != nil {
		return err
	}
	if _, err := db.Pool.Exec(ctx, `DELETE FROM run_commands WHERE run_id = $1 AND kind = $2`, runID, kind); err != nil {
		return fmt.Errorf("clear command: %w", err)
	}
	return nil
}

func (db *DB) putCommand(ctx context.Context, runID string, kind models.CommandKind, cmd any, requestedAt time.Time) error {
	if err := db.requireRun(ctx, runID); err != nil {
		return err
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal %s command: %w", kind, err)
	}
	_, err = db.Pool.Exec(ctx, `
		INSERT INTO run_commands (run_id, kind, payload, requested_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (run_id, kind) DO UPDATE SET payload = EXCLUDED.payload, requested_at = EXCLUDED.requested_at
	`, runID, kind, payload, requestedAt)
	if err != nil {
		return fmt.Errorf("set %s command: %w", kind, err)
	}
	return nil
}

func (db *DB) requireRun(ctx context.Context, runID string) error {
	var exists bool
	if err := db.Pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM runs WHERE run_id = $1)`, runID).Scan(&exists); err != nil {
		return fmt.Errorf("check run: %w", err)
	}
	if !exists {
		return registry.ErrRunNotFound
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
