package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"vmfleet.io/fleetd/internal/domain"
	apperrors "vmfleet.io/fleetd/internal/pkg/errors"
)

// Postgres implements Store on a shared pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a Postgres store backed by the given pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Migrate creates the schema if it does not exist. Development convenience;
// production deployments manage migrations externally.
func (s *Postgres) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS agents (
    id              UUID PRIMARY KEY,
    name            TEXT NOT NULL UNIQUE,
    hostname        TEXT NOT NULL DEFAULT '',
    version         TEXT NOT NULL DEFAULT '',
    capabilities    TEXT[] NOT NULL DEFAULT '{}',
    total_cpu       INT NOT NULL DEFAULT 0,
    total_memory    BIGINT NOT NULL DEFAULT 0,
    total_disk      BIGINT NOT NULL DEFAULT 0,
    avail_cpu       INT NOT NULL DEFAULT 0,
    avail_memory    BIGINT NOT NULL DEFAULT 0,
    avail_disk      BIGINT NOT NULL DEFAULT 0,
    status          TEXT NOT NULL DEFAULT 'offline',
    last_heartbeat  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS vms (
    id             UUID PRIMARY KEY,
    name           TEXT NOT NULL,
    status         TEXT NOT NULL DEFAULT '',
    hypervisor_id  UUID REFERENCES agents(id) ON DELETE SET NULL,
    cpu            INT NOT NULL DEFAULT 0,
    memory_bytes   BIGINT NOT NULL DEFAULT 0,
    disk_bytes     BIGINT NOT NULL DEFAULT 0,
    image          TEXT NOT NULL DEFAULT '',
    cloud_init     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS vms_hypervisor_idx ON vms (hypervisor_id) WHERE hypervisor_id IS NOT NULL;
`
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("migrate fleet schema: %w", err)
	}
	return nil
}

func (s *Postgres) SaveAgent(ctx context.Context, a *domain.Agent) error {
	const q = `
INSERT INTO agents (id, name, hostname, version, capabilities,
    total_cpu, total_memory, total_disk, avail_cpu, avail_memory, avail_disk,
    status, last_heartbeat)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
ON CONFLICT (id) DO UPDATE SET
    name = EXCLUDED.name,
    hostname = EXCLUDED.hostname,
    version = EXCLUDED.version,
    capabilities = EXCLUDED.capabilities,
    total_cpu = EXCLUDED.total_cpu,
    total_memory = EXCLUDED.total_memory,
    total_disk = EXCLUDED.total_disk,
    avail_cpu = EXCLUDED.avail_cpu,
    avail_memory = EXCLUDED.avail_memory,
    avail_disk = EXCLUDED.avail_disk,
    status = EXCLUDED.status,
    last_heartbeat = EXCLUDED.last_heartbeat`
	_, err := s.pool.Exec(ctx, q,
		a.ID, a.Name, a.Hostname, a.Version, a.Capabilities,
		a.Resources.Total.CPU, a.Resources.Total.MemoryBytes, a.Resources.Total.DiskBytes,
		a.Resources.Available.CPU, a.Resources.Available.MemoryBytes, a.Resources.Available.DiskBytes,
		string(a.Status), a.LastHeartbeat,
	)
	if err != nil {
		return fmt.Errorf("save agent %s: %w", a.ID, err)
	}
	return nil
}

func (s *Postgres) FindAgentByName(ctx context.Context, name string) (*domain.Agent, error) {
	return s.findAgent(ctx, "name = $1", name)
}

func (s *Postgres) FindAgentByID(ctx context.Context, id string) (*domain.Agent, error) {
	return s.findAgent(ctx, "id = $1", id)
}

func (s *Postgres) findAgent(ctx context.Context, where string, arg any) (*domain.Agent, error) {
	q := `
SELECT id, name, hostname, version, capabilities,
    total_cpu, total_memory, total_disk, avail_cpu, avail_memory, avail_disk,
    status, last_heartbeat
FROM agents WHERE ` + where

	var a domain.Agent
	var status string
	err := s.pool.QueryRow(ctx, q, arg).Scan(
		&a.ID, &a.Name, &a.Hostname, &a.Version, &a.Capabilities,
		&a.Resources.Total.CPU, &a.Resources.Total.MemoryBytes, &a.Resources.Total.DiskBytes,
		&a.Resources.Available.CPU, &a.Resources.Available.MemoryBytes, &a.Resources.Available.DiskBytes,
		&status, &a.LastHeartbeat,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find agent: %w", err)
	}
	a.Status = domain.AgentStatus(status)
	return &a, nil
}

func (s *Postgres) SetAgentStatus(ctx context.Context, id string, status domain.AgentStatus) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE agents SET status = $2 WHERE id = $1`, id, string(status)); err != nil {
		return fmt.Errorf("set agent %s status: %w", id, err)
	}
	return nil
}

func (s *Postgres) SaveVM(ctx context.Context, vm *domain.VM) error {
	const q = `
INSERT INTO vms (id, name, status, hypervisor_id, cpu, memory_bytes, disk_bytes, image, cloud_init)
VALUES ($1,$2,$3,NULLIF($4,''),$5,$6,$7,$8,$9)
ON CONFLICT (id) DO UPDATE SET
    name = EXCLUDED.name,
    status = EXCLUDED.status,
    hypervisor_id = EXCLUDED.hypervisor_id,
    cpu = EXCLUDED.cpu,
    memory_bytes = EXCLUDED.memory_bytes,
    disk_bytes = EXCLUDED.disk_bytes,
    image = EXCLUDED.image,
    cloud_init = EXCLUDED.cloud_init`
	_, err := s.pool.Exec(ctx, q,
		vm.ID, vm.Name, vm.Status, vm.HypervisorID,
		vm.Config.CPU, vm.Config.MemoryBytes, vm.Config.DiskBytes,
		vm.Config.Image, vm.Config.CloudInit,
	)
	if err != nil {
		return fmt.Errorf("save vm %s: %w", vm.ID, err)
	}
	return nil
}

func (s *Postgres) FindVM(ctx context.Context, id string) (*domain.VM, error) {
	const q = `
SELECT id, name, status, COALESCE(hypervisor_id::text, ''), cpu, memory_bytes, disk_bytes, image, cloud_init
FROM vms WHERE id = $1`
	vm, err := scanVM(s.pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find vm %s: %w", id, err)
	}
	return vm, nil
}

func (s *Postgres) ListVMsWithHypervisor(ctx context.Context) ([]*domain.VM, error) {
	const q = `
SELECT id, name, status, COALESCE(hypervisor_id::text, ''), cpu, memory_bytes, disk_bytes, image, cloud_init
FROM vms WHERE hypervisor_id IS NOT NULL`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list placed vms: %w", err)
	}
	defer rows.Close()

	var out []*domain.VM
	for rows.Next() {
		vm, err := scanVM(rows)
		if err != nil {
			return nil, fmt.Errorf("scan placed vm: %w", err)
		}
		out = append(out, vm)
	}
	return out, rows.Err()
}

func (s *Postgres) SaveVMHypervisorAssignment(ctx context.Context, vmID, agentID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE vms SET hypervisor_id = $2 WHERE id = $1`, vmID, agentID)
	if err != nil {
		return fmt.Errorf("assign vm %s to agent %s: %w", vmID, agentID, err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (s *Postgres) ClearVMHypervisorAssignment(ctx context.Context, vmID string) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE vms SET hypervisor_id = NULL WHERE id = $1`, vmID); err != nil {
		return fmt.Errorf("clear vm %s assignment: %w", vmID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVM(row rowScanner) (*domain.VM, error) {
	var vm domain.VM
	err := row.Scan(
		&vm.ID, &vm.Name, &vm.Status, &vm.HypervisorID,
		&vm.Config.CPU, &vm.Config.MemoryBytes, &vm.Config.DiskBytes,
		&vm.Config.Image, &vm.Config.CloudInit,
	)
	if err != nil {
		return nil, err
	}
	return &vm, nil
}
