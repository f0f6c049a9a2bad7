package patient

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/vitalwatch/internal/platform/hipaa"
	"github.com/ehr/vitalwatch/internal/platform/sqlite"
)

type patientRepoSQLite struct {
	db  *sql.DB
	now func() time.Time
	phi phiCodec
}

func NewPatientRepoSQLite(store *sqlite.Store) PatientRepository {
	return &patientRepoSQLite{db: store.DB(), now: time.Now}
}

// NewPatientRepoSQLiteWithEncryption stores patient names encrypted with enc.
// Pass nil to disable encryption (equivalent to NewPatientRepoSQLite).
func NewPatientRepoSQLiteWithEncryption(store *sqlite.Store, enc hipaa.FieldEncryptor) PatientRepository {
	return &patientRepoSQLite{db: store.DB(), now: time.Now, phi: phiCodec{enc: enc}}
}

const sqlitePatientCols = `id, name, age, clinical_data, critical_condition, created_at, updated_at`

func (r *patientRepoSQLite) Create(ctx context.Context, p *Patient) error {
	name, err := r.phi.seal(p.Name)
	if err != nil {
		return fmt.Errorf("patient create: %w", err)
	}
	p.ID = uuid.New()
	p.normalize()
	data, err := json.Marshal(p.ClinicalData)
	if err != nil {
		return fmt.Errorf("patient create: encode clinical data: %w", err)
	}
	now := r.now().UTC()
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO patients (id, name, age, clinical_data, critical_condition, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, name, p.Age, string(data), p.CriticalCondition, now, now,
	)
	if err != nil {
		return sqliteError("patient create", err)
	}
	p.CreatedAt, p.UpdatedAt = now, now
	return nil
}

func (r *patientRepoSQLite) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := r.scan(r.db.QueryRowContext(ctx,
		`SELECT `+sqlitePatientCols+` FROM patients WHERE id = ?`, id))
	if err != nil {
		return nil, sqliteError("patient get by id", err)
	}
	return p, nil
}

func (r *patientRepoSQLite) ListCritical(ctx context.Context) ([]*Patient, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sqlitePatientCols+` FROM patients
		WHERE critical_condition
		ORDER BY created_at, id`)
	if err != nil {
		return nil, sqliteError("patient list critical", err)
	}
	defer rows.Close()

	patients := []*Patient{}
	for rows.Next() {
		p, err := r.scan(rows)
		if err != nil {
			return nil, sqliteError("patient list critical", err)
		}
		patients = append(patients, p)
	}
	if err := rows.Err(); err != nil {
		return nil, sqliteError("patient list critical", err)
	}
	return patients, nil
}

func (r *patientRepoSQLite) CountCritical(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM patients WHERE critical_condition`).Scan(&n); err != nil {
		return 0, sqliteError("patient count critical", err)
	}
	return n, nil
}

func (r *patientRepoSQLite) Save(ctx context.Context, p *Patient) error {
	name, err := r.phi.seal(p.Name)
	if err != nil {
		return fmt.Errorf("patient save: %w", err)
	}
	p.normalize()
	data, err := json.Marshal(p.ClinicalData)
	if err != nil {
		return fmt.Errorf("patient save: encode clinical data: %w", err)
	}
	now := r.now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE patients SET name = ?, age = ?, clinical_data = ?, critical_condition = ?, updated_at = ?
		WHERE id = ?`,
		name, p.Age, string(data), p.CriticalCondition, now, p.ID,
	)
	if err != nil {
		return sqliteError("patient save", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return sqliteError("patient save", err)
	} else if n == 0 {
		return ErrNotFound
	}
	p.UpdatedAt = now
	return nil
}

func (r *patientRepoSQLite) AppendObservation(ctx context.Context, id uuid.UUID, o Observation, critical bool) (*Patient, error) {
	data, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("patient append observation: encode observation: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, sqliteError("patient append observation", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	res, err := tx.ExecContext(ctx, `
		UPDATE patients SET
			clinical_data = json_insert(clinical_data, '$[#]', json(?)),
			critical_condition = (critical_condition OR ?),
			updated_at = ?
		WHERE id = ?`,
		string(data), critical, r.now().UTC(), id,
	)
	if err != nil {
		return nil, sqliteError("patient append observation", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, sqliteError("patient append observation", err)
	}
	if n == 0 {
		return nil, ErrNotFound
	}

	p, err := r.scan(tx.QueryRowContext(ctx,
		`SELECT `+sqlitePatientCols+` FROM patients WHERE id = ?`, id))
	if err != nil {
		return nil, sqliteError("patient append observation", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, sqliteError("patient append observation", err)
	}
	return p, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scan reads one row and decrypts its PHI columns.
func (r *patientRepoSQLite) scan(row rowScanner) (*Patient, error) {
	p, err := scanSQLitePatient(row)
	if err != nil {
		return nil, err
	}
	if err := r.phi.open(p); err != nil {
		return nil, err
	}
	return p, nil
}

func scanSQLitePatient(row rowScanner) (*Patient, error) {
	var (
		p    Patient
		data string
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Age, &data, &p.CriticalCondition, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(data), &p.ClinicalData); err != nil {
		return nil, fmt.Errorf("decode clinical data for %s: %w", p.ID, err)
	}
	p.normalize()
	return &p, nil
}

func sqliteError(op string, err error) error {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case sqlite.IsConstraintViolation(err):
		return constraintError(err.Error(), err)
	case sqlite.IsUnavailable(err):
		return unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
