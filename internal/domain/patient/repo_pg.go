package patient

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/vitalwatch/internal/platform/db"
	"github.com/ehr/vitalwatch/internal/platform/hipaa"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type patientRepoPG struct {
	pool *pgxpool.Pool
	phi  phiCodec
}

func NewPatientRepoPG(pool *pgxpool.Pool) PatientRepository {
	return &patientRepoPG{pool: pool}
}

// NewPatientRepoPGWithEncryption stores patient names encrypted with enc.
// Pass nil to disable encryption (equivalent to NewPatientRepoPG).
func NewPatientRepoPGWithEncryption(pool *pgxpool.Pool, enc hipaa.FieldEncryptor) PatientRepository {
	return &patientRepoPG{pool: pool, phi: phiCodec{enc: enc}}
}

// conn prefers the tenant-scoped connection placed on the context by
// db.TenantMiddleware.
func (r *patientRepoPG) conn(ctx context.Context) querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const patientCols = `id, name, age, clinical_data, critical_condition, created_at, updated_at`

func (r *patientRepoPG) Create(ctx context.Context, p *Patient) error {
	name, err := r.phi.seal(p.Name)
	if err != nil {
		return fmt.Errorf("patient create: %w", err)
	}
	p.ID = uuid.New()
	p.normalize()
	err = r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patients (id, name, age, clinical_data, critical_condition)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`,
		p.ID, name, p.Age, p.ClinicalData, p.CriticalCondition,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return pgError("patient create", err)
	}
	return nil
}

func (r *patientRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := r.scan(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM patients WHERE id = $1`, id))
	if err != nil {
		return nil, pgError("patient get by id", err)
	}
	return p, nil
}

func (r *patientRepoPG) ListCritical(ctx context.Context) ([]*Patient, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+patientCols+` FROM patients
		WHERE critical_condition
		ORDER BY created_at, id`)
	if err != nil {
		return nil, pgError("patient list critical", err)
	}
	defer rows.Close()

	patients := []*Patient{}
	for rows.Next() {
		p, err := r.scan(rows)
		if err != nil {
			return nil, pgError("patient list critical", err)
		}
		patients = append(patients, p)
	}
	if err := rows.Err(); err != nil {
		return nil, pgError("patient list critical", err)
	}
	return patients, nil
}

func (r *patientRepoPG) CountCritical(ctx context.Context) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM patients WHERE critical_condition`).Scan(&n)
	if err != nil {
		return 0, pgError("patient count critical", err)
	}
	return n, nil
}

func (r *patientRepoPG) Save(ctx context.Context, p *Patient) error {
	name, err := r.phi.seal(p.Name)
	if err != nil {
		return fmt.Errorf("patient save: %w", err)
	}
	p.normalize()
	err = r.conn(ctx).QueryRow(ctx, `
		UPDATE patients SET
			name = $2, age = $3, clinical_data = $4, critical_condition = $5, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		p.ID, name, p.Age, p.ClinicalData, p.CriticalCondition,
	).Scan(&p.UpdatedAt)
	if err != nil {
		return pgError("patient save", err)
	}
	return nil
}

func (r *patientRepoPG) AppendObservation(ctx context.Context, id uuid.UUID, o Observation, critical bool) (*Patient, error) {
	p, err := r.scan(r.conn(ctx).QueryRow(ctx, `
		UPDATE patients SET
			clinical_data = clinical_data || $2::jsonb,
			critical_condition = critical_condition OR $3,
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+patientCols,
		id, []Observation{o}, critical,
	))
	if err != nil {
		return nil, pgError("patient append observation", err)
	}
	return p, nil
}

// scan reads one row and decrypts its PHI columns.
func (r *patientRepoPG) scan(row pgx.Row) (*Patient, error) {
	p, err := scanPatient(row)
	if err != nil {
		return nil, err
	}
	if err := r.phi.open(p); err != nil {
		return nil, err
	}
	return p, nil
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.Name, &p.Age, &p.ClinicalData, &p.CriticalCondition, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.normalize()
	return &p, nil
}

// pgError classifies a driver error into the package's error kinds.
func pgError(op string, err error) error {
	if db.IsNoRows(err) {
		return ErrNotFound
	}
	if pgErr, ok := db.ConstraintViolation(err); ok {
		return constraintError(pgErr.ConstraintName+" "+pgErr.ColumnName, err)
	}
	if db.IsUnavailable(err) {
		return unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
