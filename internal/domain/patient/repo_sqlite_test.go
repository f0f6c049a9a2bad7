package patient

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/vitalwatch/internal/platform/hipaa"
	"github.com/ehr/vitalwatch/internal/platform/sqlite"
)

func newSQLiteRepo(t *testing.T) (PatientRepository, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "patients.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewPatientRepoSQLite(store), store
}

func TestSQLiteRepo_CreateAndGet(t *testing.T) {
	repo, _ := newSQLiteRepo(t)
	ctx := context.Background()

	p := &Patient{Name: "Ann", Age: 54}
	require.NoError(t, repo.Create(ctx, p))
	assert.NotEqual(t, uuid.Nil, p.ID)
	assert.False(t, p.CreatedAt.IsZero())

	got, err := repo.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ann", got.Name)
	assert.Equal(t, 54, got.Age)
	assert.NotNil(t, got.ClinicalData)
	assert.Empty(t, got.ClinicalData)
	assert.False(t, got.CriticalCondition)
	assert.True(t, p.CreatedAt.Equal(got.CreatedAt))
}

func TestSQLiteRepo_GetByID_NotFound(t *testing.T) {
	repo, _ := newSQLiteRepo(t)
	_, err := repo.GetByID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteRepo_CreateRejectsConstraintViolation(t *testing.T) {
	tests := []struct {
		name      string
		patient   *Patient
		wantField string
		wantMsg   string
	}{
		{"age out of range", &Patient{Name: "Ann", Age: 200}, "age", "must be between 0 and 150"},
		{"blank name", &Patient{Name: "   ", Age: 54}, "name", "must not be blank"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, _ := newSQLiteRepo(t)
			err := repo.Create(context.Background(), tt.patient)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			require.Len(t, verr.Fields, 1)
			assert.Equal(t, tt.wantField, verr.Fields[0].Field)
			assert.Equal(t, tt.wantMsg, verr.Fields[0].Message)
			assert.NotContains(t, verr.Error(), "CHECK")
			assert.True(t, sqlite.IsConstraintViolation(err), "driver error should stay reachable")
		})
	}
}

func TestConstraintError_UnknownConstraint(t *testing.T) {
	cause := fmt.Errorf("UNIQUE constraint failed: patients.id")
	verr := constraintError(cause.Error(), cause)
	require.Len(t, verr.Fields, 1)
	assert.Empty(t, verr.Fields[0].Field)
	assert.Equal(t, "violates a data constraint", verr.Fields[0].Message)
	assert.ErrorIs(t, verr, cause)
}

func TestSQLiteRepo_EncryptsNameAtRest(t *testing.T) {
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "patients.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	key := make([]byte, hipaa.KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	enc, err := hipaa.NewRotatingEncryptor(key, 1)
	require.NoError(t, err)

	repo := NewPatientRepoSQLiteWithEncryption(store, enc)
	svc := NewService(repo, zerolog.Nop())
	ctx := context.Background()

	created, err := svc.CreatePatient(ctx, CreatePatientInput{Name: strPtr("Ann"), Age: intPtr(54)})
	require.NoError(t, err)
	assert.Equal(t, "Ann", created.Name)

	var stored string
	require.NoError(t, store.DB().QueryRowContext(ctx,
		`SELECT name FROM patients WHERE id = ?`, created.ID).Scan(&stored))
	assert.NotEqual(t, "Ann", stored)
	assert.True(t, strings.HasPrefix(stored, "v1:"), "stored name should be versioned ciphertext, got %q", stored)

	got, err := svc.GetPatient(ctx, created.ID.String())
	require.NoError(t, err)
	assert.Equal(t, "Ann", got.Name)

	updated, err := svc.AddObservation(ctx, created.ID.String(), bpInput("150/90"))
	require.NoError(t, err)
	assert.Equal(t, "Ann", updated.Name)
	assert.True(t, updated.CriticalCondition)

	critical, err := svc.ListCriticalPatients(ctx)
	require.NoError(t, err)
	require.Len(t, critical, 1)
	assert.Equal(t, "Ann", critical[0].Name)

	// A plaintext repo over the same file sees only ciphertext.
	raw, err := NewPatientRepoSQLite(store).GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, stored, raw.Name)
}

func TestSQLiteRepo_SaveEncryptsName(t *testing.T) {
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "patients.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	key := make([]byte, hipaa.KeySize)
	enc, err := hipaa.NewPHIEncryptor(key)
	require.NoError(t, err)
	repo := NewPatientRepoSQLiteWithEncryption(store, enc)
	ctx := context.Background()

	p := &Patient{Name: "Ann", Age: 54}
	require.NoError(t, repo.Create(ctx, p))
	p.Name = "Ann Smith"
	require.NoError(t, repo.Save(ctx, p))
	assert.Equal(t, "Ann Smith", p.Name)

	var stored string
	require.NoError(t, store.DB().QueryRowContext(ctx,
		`SELECT name FROM patients WHERE id = ?`, p.ID).Scan(&stored))
	assert.NotEqual(t, "Ann Smith", stored)
	_, err = enc.Decrypt(stored)
	assert.NoError(t, err, "stored name should be ciphertext under the configured key")

	got, err := repo.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ann Smith", got.Name)
}

func TestSQLiteRepo_AppendObservation(t *testing.T) {
	repo, _ := newSQLiteRepo(t)
	ctx := context.Background()
	p := &Patient{Name: "Ann", Age: 54}
	require.NoError(t, repo.Create(ctx, p))

	first := Observation{ID: uuid.New(), Date: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC), Type: TypeBloodPressure, Value: "150/95"}
	got, err := repo.AppendObservation(ctx, p.ID, first, true)
	require.NoError(t, err)
	assert.True(t, got.CriticalCondition)
	require.Len(t, got.ClinicalData, 1)
	assert.Equal(t, first.ID, got.ClinicalData[0].ID)
	assert.True(t, first.Date.Equal(got.ClinicalData[0].Date))

	second := Observation{ID: uuid.New(), Date: time.Now().UTC(), Type: TypeBloodPressure, Value: "120/80"}
	got, err = repo.AppendObservation(ctx, p.ID, second, false)
	require.NoError(t, err)
	assert.True(t, got.CriticalCondition, "false must not clear the stored flag")
	require.Len(t, got.ClinicalData, 2)
	assert.Equal(t, "150/95", got.ClinicalData[0].Value)
	assert.Equal(t, "120/80", got.ClinicalData[1].Value)
}

func TestSQLiteRepo_AppendObservation_NotFound(t *testing.T) {
	repo, _ := newSQLiteRepo(t)
	ctx := context.Background()
	p := &Patient{Name: "Ann", Age: 54}
	require.NoError(t, repo.Create(ctx, p))

	_, err := repo.AppendObservation(ctx, uuid.New(), Observation{ID: uuid.New(), Type: "Heart Rate", Value: "70"}, true)
	assert.ErrorIs(t, err, ErrNotFound)

	critical, err := repo.ListCritical(ctx)
	require.NoError(t, err)
	assert.Empty(t, critical)
}

func TestSQLiteRepo_Save(t *testing.T) {
	repo, _ := newSQLiteRepo(t)
	ctx := context.Background()
	p := &Patient{Name: "Ann", Age: 54}
	require.NoError(t, repo.Create(ctx, p))

	p.ClinicalData = append(p.ClinicalData, Observation{ID: uuid.New(), Date: time.Now().UTC(), Type: TypeBloodPressure, Value: "160/100"})
	p.CriticalCondition = true
	require.NoError(t, repo.Save(ctx, p))

	got, err := repo.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, got.CriticalCondition)
	assert.Len(t, got.ClinicalData, 1)

	missing := &Patient{ID: uuid.New(), Name: "Ghost", Age: 1}
	assert.ErrorIs(t, repo.Save(ctx, missing), ErrNotFound)
}

func TestSQLiteRepo_ListCriticalOrderAndCount(t *testing.T) {
	repo, _ := newSQLiteRepo(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	repo.(*patientRepoSQLite).now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	var ids []uuid.UUID
	for i, critical := range []bool{true, false, true} {
		p := &Patient{Name: fmt.Sprintf("P%d", i), Age: 30 + i}
		require.NoError(t, repo.Create(ctx, p))
		_, err := repo.AppendObservation(ctx, p.ID, Observation{ID: uuid.New(), Date: base, Type: TypeBloodPressure, Value: "150/90"}, critical)
		require.NoError(t, err)
		if critical {
			ids = append(ids, p.ID)
		}
	}

	list, err := repo.ListCritical(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, ids[0], list[0].ID)
	assert.Equal(t, ids[1], list[1].ID)

	n, err := repo.CountCritical(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSQLiteRepo_ClosedStoreUnavailable(t *testing.T) {
	repo, store := newSQLiteRepo(t)
	require.NoError(t, store.Close())

	_, err := repo.GetByID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestSQLiteRepo_ConcurrentAtomicAppends(t *testing.T) {
	repo, _ := newSQLiteRepo(t)
	svc := NewService(repo, zerolog.Nop())
	ctx := context.Background()
	ann := createAnn(t, svc)

	const writers = 10
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.AddObservation(ctx, ann.ID.String(), bpInput(fmt.Sprintf("%d/80", 110+i*5)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := svc.GetPatient(ctx, ann.ID.String())
	require.NoError(t, err)
	assert.Len(t, got.ClinicalData, writers)
	assert.True(t, got.CriticalCondition)
}
