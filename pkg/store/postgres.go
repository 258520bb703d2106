package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/tensorlend/hostagent/pkg/gpu"
)

// Table names.
const (
	tableGPUStatus     = "gpu_status"
	tableDeployments   = "deployments"
	tableMetrics       = "gpu_metrics"
	tableHealthHistory = "gpu_health_history"
)

// schema creates the four tables and their indexes. Idempotent; run at
// every startup.
const schema = `
CREATE TABLE IF NOT EXISTS gpu_status (
	slot_id               TEXT PRIMARY KEY,
	uuid                  TEXT NOT NULL DEFAULT '',
	name                  TEXT NOT NULL DEFAULT '',
	driver_version        TEXT NOT NULL DEFAULT '',
	cuda_version          TEXT NOT NULL DEFAULT '',
	compute_capability    TEXT NOT NULL DEFAULT '',
	vram_total_mb         BIGINT NOT NULL DEFAULT 0,
	public_ip             TEXT NOT NULL DEFAULT '',
	ssh_port              INTEGER NOT NULL DEFAULT 0,
	rental_port_1         INTEGER NOT NULL DEFAULT 0,
	rental_port_2         INTEGER NOT NULL DEFAULT 0,
	status                TEXT NOT NULL DEFAULT 'available',
	healthy               BOOLEAN NOT NULL DEFAULT TRUE,
	consecutive_failures  INTEGER NOT NULL DEFAULT 0,
	last_health_check     TIMESTAMPTZ,
	current_deployment_id TEXT,
	gpu_utilization       DOUBLE PRECISION,
	vram_used_mb          BIGINT,
	temperature_celsius   DOUBLE PRECISION,
	power_draw_watts      DOUBLE PRECISION,
	fan_speed_percent     DOUBLE PRECISION,
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_gpu_status_uuid ON gpu_status(uuid) WHERE uuid <> '';

CREATE TABLE IF NOT EXISTS deployments (
	deployment_id    TEXT PRIMARY KEY,
	slot_id          TEXT NOT NULL REFERENCES gpu_status(slot_id),
	template         TEXT NOT NULL DEFAULT '',
	image            TEXT NOT NULL DEFAULT '',
	user_id          TEXT NOT NULL DEFAULT '',
	container_id     TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	start_time       TIMESTAMPTZ NOT NULL,
	duration_minutes INTEGER NOT NULL,
	ssh_port         INTEGER NOT NULL DEFAULT 0,
	rental_port_1    INTEGER NOT NULL DEFAULT 0,
	rental_port_2    INTEGER NOT NULL DEFAULT 0,
	ssh_username     TEXT NOT NULL DEFAULT '',
	ssh_password     TEXT NOT NULL DEFAULT '',
	reason           TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_deployments_status ON deployments(status);
CREATE INDEX IF NOT EXISTS idx_deployments_slot ON deployments(slot_id);

CREATE TABLE IF NOT EXISTS gpu_metrics (
	id               BIGSERIAL PRIMARY KEY,
	slot_id          TEXT NOT NULL REFERENCES gpu_status(slot_id),
	deployment_id    TEXT,
	gpu_utilization  DOUBLE PRECISION,
	vram_used_mb     BIGINT,
	vram_total_mb    BIGINT,
	temperature      DOUBLE PRECISION,
	power_draw       DOUBLE PRECISION,
	fan_speed        DOUBLE PRECISION,
	container_status TEXT,
	uptime_hours     DOUBLE PRECISION,
	ts               TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_gpu_metrics_ts ON gpu_metrics(ts);

CREATE TABLE IF NOT EXISTS gpu_health_history (
	id          BIGSERIAL PRIMARY KEY,
	slot_id     TEXT NOT NULL REFERENCES gpu_status(slot_id),
	overall     TEXT NOT NULL,
	driver_ok   BOOLEAN NOT NULL,
	temp_ok     BOOLEAN NOT NULL,
	power_ok    BOOLEAN NOT NULL,
	ecc_ok      BOOLEAN NOT NULL,
	fan_ok      BOOLEAN NOT NULL,
	error_count INTEGER NOT NULL,
	error_msg   TEXT,
	ts          TIMESTAMPTZ NOT NULL
);
`

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Postgres is the production Store backed by a local PostgreSQL instance.
type Postgres struct {
	db *sqlx.DB
}

// OpenPostgres connects to the database at dsn and initializes the schema.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	p := &Postgres{db: db}
	if err := p.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) initSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func (p *Postgres) EnsureSlot(ctx context.Context, slot *GPUSlot) error {
	status := slot.Status
	if status == "" {
		status = SlotAvailable
	}
	query, args, err := psql.Insert(tableGPUStatus).
		Columns("slot_id", "uuid", "name", "driver_version", "cuda_version",
			"compute_capability", "vram_total_mb", "public_ip", "ssh_port",
			"rental_port_1", "rental_port_2", "status", "healthy", "updated_at").
		Values(slot.SlotID, slot.UUID, slot.Name, slot.DriverVersion, slot.CUDAVersion,
			slot.ComputeCapability, slot.VRAMTotalMB, slot.PublicIP, slot.SSHPort,
			slot.RentalPort1, slot.RentalPort2, status, slot.Healthy, sq.Expr("NOW()")).
		Suffix(`ON CONFLICT (slot_id) DO UPDATE SET
			name = EXCLUDED.name,
			driver_version = EXCLUDED.driver_version,
			cuda_version = EXCLUDED.cuda_version,
			compute_capability = EXCLUDED.compute_capability,
			vram_total_mb = EXCLUDED.vram_total_mb,
			public_ip = EXCLUDED.public_ip,
			ssh_port = EXCLUDED.ssh_port,
			rental_port_1 = EXCLUDED.rental_port_1,
			rental_port_2 = EXCLUDED.rental_port_2,
			updated_at = NOW()`).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build upsert: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to upsert slot: %w", err)
	}
	return nil
}

func (p *Postgres) GetSlot(ctx context.Context, slotID string) (*GPUSlot, error) {
	var slot GPUSlot
	err := p.db.GetContext(ctx, &slot,
		`SELECT * FROM gpu_status WHERE slot_id = $1`, slotID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("slot %s: %w", slotID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get slot: %w", err)
	}
	return &slot, nil
}

func (p *Postgres) SetSlotUUID(ctx context.Context, slotID, uuid string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE gpu_status SET uuid = $1, updated_at = NOW()
		 WHERE slot_id = $2 AND (uuid = '' OR uuid = $1)`, uuid, slotID)
	if err != nil {
		return fmt.Errorf("failed to set slot uuid: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		if _, err := p.GetSlot(ctx, slotID); err != nil {
			return err
		}
		return fmt.Errorf("slot %s: %w", slotID, ErrUUIDImmutable)
	}
	return nil
}

func (p *Postgres) ChangeSlotStatus(ctx context.Context, slotID string, from, to SlotStatus) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE gpu_status SET status = $1, updated_at = NOW()
		 WHERE slot_id = $2 AND status = $3`, to, slotID, from)
	if err != nil {
		return fmt.Errorf("failed to change slot status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		if _, err := p.GetSlot(ctx, slotID); err != nil {
			return err
		}
		return fmt.Errorf("slot %s is not %s: %w", slotID, from, ErrStatusConflict)
	}
	return nil
}

func (p *Postgres) UpdateSlotTelemetry(ctx context.Context, slotID string, t Telemetry) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE gpu_status SET
			gpu_utilization = $1, vram_used_mb = $2, temperature_celsius = $3,
			power_draw_watts = $4, fan_speed_percent = $5, updated_at = NOW()
		 WHERE slot_id = $6`,
		t.Utilization, t.VRAMUsedMB, t.Temperature, t.PowerDraw, t.FanSpeed, slotID)
	if err != nil {
		return fmt.Errorf("failed to update slot telemetry: %w", err)
	}
	return requireRow(res, slotID)
}

func (p *Postgres) UpdateSlotHealth(ctx context.Context, slotID string, healthy bool, at time.Time) (int, error) {
	var failures int
	err := p.db.GetContext(ctx, &failures,
		`UPDATE gpu_status SET
			healthy = $1,
			last_health_check = $2,
			consecutive_failures = CASE WHEN $1 THEN 0 ELSE consecutive_failures + 1 END,
			updated_at = NOW()
		 WHERE slot_id = $3
		 RETURNING consecutive_failures`, healthy, at, slotID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("slot %s: %w", slotID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to update slot health: %w", err)
	}
	return failures, nil
}

// AcquireSlot claims the slot with a single conditional UPDATE; the WHERE
// clause is the atomicity guarantee, so two concurrent deploys cannot both
// win the row.
func (p *Postgres) AcquireSlot(ctx context.Context, slotID, deploymentID string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE gpu_status SET status = 'busy', current_deployment_id = $1, updated_at = NOW()
		 WHERE slot_id = $2 AND status = 'available' AND healthy AND current_deployment_id IS NULL`,
		deploymentID, slotID)
	if err != nil {
		return fmt.Errorf("failed to acquire slot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		if _, err := p.GetSlot(ctx, slotID); err != nil {
			return err
		}
		return fmt.Errorf("slot %s: %w", slotID, ErrSlotBusy)
	}
	return nil
}

func (p *Postgres) ReleaseSlot(ctx context.Context, slotID string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE gpu_status SET
			current_deployment_id = NULL,
			status = CASE WHEN status = 'busy' THEN 'available' ELSE status END,
			updated_at = NOW()
		 WHERE slot_id = $1`, slotID)
	if err != nil {
		return fmt.Errorf("failed to release slot: %w", err)
	}
	return requireRow(res, slotID)
}

func (p *Postgres) CreateDeployment(ctx context.Context, d *Deployment) error {
	query, args, err := psql.Insert(tableDeployments).
		Columns("deployment_id", "slot_id", "template", "image", "user_id",
			"container_id", "status", "start_time", "duration_minutes",
			"ssh_port", "rental_port_1", "rental_port_2",
			"ssh_username", "ssh_password", "reason").
		Values(d.DeploymentID, d.SlotID, d.Template, d.Image, d.UserID,
			d.ContainerID, d.Status, d.StartTime, d.DurationMinutes,
			d.SSHPort, d.RentalPort1, d.RentalPort2,
			d.SSHUsername, d.SSHPassword, d.Reason).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("deployment %s: %w", d.DeploymentID, ErrAlreadyExists)
		}
		return fmt.Errorf("failed to create deployment: %w", err)
	}
	return nil
}

func (p *Postgres) GetDeployment(ctx context.Context, id string) (*Deployment, error) {
	var d Deployment
	err := p.db.GetContext(ctx, &d,
		`SELECT * FROM deployments WHERE deployment_id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("deployment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment: %w", err)
	}
	return &d, nil
}

func (p *Postgres) UpdateDeploymentStatus(ctx context.Context, id string, to DeploymentStatus, patch *DeploymentPatch) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current DeploymentStatus
	err = tx.GetContext(ctx, &current,
		`SELECT status FROM deployments WHERE deployment_id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("deployment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read deployment status: %w", err)
	}
	if !CanTransition(current, to) {
		return fmt.Errorf("deployment %s: %s -> %s: %w", id, current, to, ErrInvalidTransition)
	}

	update := psql.Update(tableDeployments).
		Set("status", to).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"deployment_id": id})
	if patch != nil {
		if patch.ContainerID != nil {
			update = update.Set("container_id", *patch.ContainerID)
		}
		if patch.SSHUsername != nil {
			update = update.Set("ssh_username", *patch.SSHUsername)
		}
		if patch.SSHPassword != nil {
			update = update.Set("ssh_password", *patch.SSHPassword)
		}
		if patch.SSHPort != nil {
			update = update.Set("ssh_port", *patch.SSHPort)
		}
		if patch.RentalPort1 != nil {
			update = update.Set("rental_port_1", *patch.RentalPort1)
		}
		if patch.RentalPort2 != nil {
			update = update.Set("rental_port_2", *patch.RentalPort2)
		}
		if patch.Reason != nil {
			update = update.Set("reason", *patch.Reason)
		}
	}
	query, args, err := update.ToSql()
	if err != nil {
		return fmt.Errorf("failed to build update: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update deployment: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (p *Postgres) ListExpired(ctx context.Context, now time.Time) ([]*Deployment, error) {
	var out []*Deployment
	err := p.db.SelectContext(ctx, &out,
		`SELECT * FROM deployments
		 WHERE status IN ('deploying', 'running')
		   AND start_time + duration_minutes * INTERVAL '1 minute' <= $1
		 ORDER BY start_time + duration_minutes * INTERVAL '1 minute' ASC, deployment_id ASC`,
		now)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired deployments: %w", err)
	}
	return out, nil
}

func (p *Postgres) ListNonTerminal(ctx context.Context) ([]*Deployment, error) {
	var out []*Deployment
	err := p.db.SelectContext(ctx, &out,
		`SELECT * FROM deployments
		 WHERE status IN ('deploying', 'running', 'terminating')
		 ORDER BY deployment_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list non-terminal deployments: %w", err)
	}
	return out, nil
}

func (p *Postgres) AppendMetric(ctx context.Context, slotID string, sample *gpu.MetricSample, deploymentID *string) error {
	var containerStatus *string
	if sample.ContainerStatus != "" {
		containerStatus = &sample.ContainerStatus
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO gpu_metrics (slot_id, deployment_id, gpu_utilization, vram_used_mb,
			vram_total_mb, temperature, power_draw, fan_speed, container_status, uptime_hours, ts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		slotID, deploymentID, sample.Utilization, sample.VRAMUsedMB,
		sample.VRAMTotalMB, sample.Temperature, sample.PowerDraw, sample.FanSpeed,
		containerStatus, sample.UptimeHours, sample.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append metric: %w", err)
	}
	return nil
}

func (p *Postgres) AppendHealth(ctx context.Context, slotID string, rec *gpu.HealthRecord) error {
	var msg *string
	if rec.ErrorMessage != "" {
		msg = &rec.ErrorMessage
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO gpu_health_history (slot_id, overall, driver_ok, temp_ok,
			power_ok, ecc_ok, fan_ok, error_count, error_msg, ts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		slotID, rec.Overall, rec.DriverResponsive, rec.TemperatureNormal,
		rec.PowerNormal, rec.NoECCErrors, rec.FanOperational,
		rec.ErrorCount, msg, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append health record: %w", err)
	}
	return nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

// requireRow turns a zero-row UPDATE into ErrNotFound.
func requireRow(res sql.Result, slotID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("slot %s: %w", slotID, ErrNotFound)
	}
	return nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation (class 23505).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
