package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/app"
	"github.com/vladislavdragonenkov/storefront/internal/storage/postgres"
)

func envWith(values map[string]string) app.EnvLookup {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestParseOptions(t *testing.T) {
	base := app.DefaultConfig()
	withDSN := base
	withDSN.PostgresDSN = " postgres://env/shop "

	tests := []struct {
		name    string
		args    []string
		env     app.Config
		want    options
		wantErr []string
	}{
		{
			name: "defaults from env",
			env:  withDSN,
			want: options{action: actionUp, dsn: "postgres://env/shop", timeout: defaultTimeout},
		},
		{
			name: "flags win",
			args: []string{"-direction=STATUS", "-dsn=postgres://flag/shop", "-check", "-timeout=5s"},
			env:  withDSN,
			want: options{action: actionStatus, dsn: "postgres://flag/shop", check: true, timeout: 5 * time.Second},
		},
		{
			name: "down rolls back one by default",
			args: []string{"-direction=down", "-dsn=postgres://x"},
			env:  base,
			want: options{action: actionDown, steps: 1, dsn: "postgres://x", timeout: defaultTimeout},
		},
		{
			name:    "all problems reported at once",
			args:    []string{"-direction=sideways", "-steps=-1", "-timeout=0s"},
			env:     base,
			wantErr: []string{"unsupported direction", "steps must be", "dsn is required", "timeout must be"},
		},
		{
			name:    "unknown flag",
			args:    []string{"-force"},
			env:     withDSN,
			wantErr: []string{"flag provided but not defined"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseOptions(tt.args, tt.env)
			if len(tt.wantErr) > 0 {
				require.Error(t, err)
				for _, want := range tt.wantErr {
					assert.Contains(t, err.Error(), want)
				}
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

type fakeSchema struct {
	state      postgres.MigrationState
	migrateErr error
	statusErr  error

	calls  []string
	closed bool
}

func (f *fakeSchema) Migrate(_ context.Context, direction postgres.MigrationDirection, steps int) error {
	f.calls = append(f.calls, string(direction)+":"+strings.Repeat("+", steps))
	return f.migrateErr
}

func (f *fakeSchema) MigrationStatus(context.Context) (postgres.MigrationState, error) {
	return f.state, f.statusErr
}

func (f *fakeSchema) Close() error {
	f.closed = true
	return nil
}

func useSchema(t *testing.T, s schema, openErr error) {
	t.Helper()
	prev := openSchema
	openSchema = func(context.Context, string) (schema, error) {
		if openErr != nil {
			return nil, openErr
		}
		return s, nil
	}
	t.Cleanup(func() { openSchema = prev })
}

func TestMigrate(t *testing.T) {
	driftErr := errors.New("drift")

	tests := []struct {
		name      string
		opts      options
		fake      *fakeSchema
		openErr   error
		wantCalls []string
		wantErr   error
		wantOut   string
	}{
		{
			name:      "up applies then reports",
			opts:      options{action: actionUp},
			fake:      &fakeSchema{state: postgres.MigrationState{Version: 2, Applied: 2}},
			wantCalls: []string{"up:"},
			wantOut:   "migrate up ok: version=2 applied=2 pending=0 modified=0\n",
		},
		{
			name:      "down passes steps",
			opts:      options{action: actionDown, steps: 2},
			fake:      &fakeSchema{},
			wantCalls: []string{"down:++"},
			wantOut:   "migrate down ok: version=0 applied=0 pending=0 modified=0\n",
		},
		{
			name:    "status does not migrate",
			opts:    options{action: actionStatus},
			fake:    &fakeSchema{state: postgres.MigrationState{Version: 1, Applied: 1, Pending: 1}},
			wantOut: "migrate status ok: version=1 applied=1 pending=1 modified=0\n",
		},
		{
			name:    "check fails on pending",
			opts:    options{action: actionStatus, check: true},
			fake:    &fakeSchema{state: postgres.MigrationState{Pending: 1}},
			wantErr: errSchemaNotCurrent,
		},
		{
			name:    "check fails on modified",
			opts:    options{action: actionStatus, check: true},
			fake:    &fakeSchema{state: postgres.MigrationState{Version: 2, Applied: 2, Modified: 1}},
			wantErr: errSchemaNotCurrent,
		},
		{
			name:      "migrate error skips status",
			opts:      options{action: actionUp},
			fake:      &fakeSchema{migrateErr: driftErr},
			wantCalls: []string{"up:"},
			wantErr:   driftErr,
		},
		{
			name:    "open error",
			opts:    options{action: actionUp},
			openErr: errors.New("connection refused"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			useSchema(t, tt.fake, tt.openErr)

			var out bytes.Buffer
			_, err := migrate(context.Background(), tt.opts, &out)
			switch {
			case tt.openErr != nil:
				require.ErrorContains(t, err, "open postgres")
				return
			case tt.wantErr != nil:
				require.ErrorIs(t, err, tt.wantErr)
			default:
				require.NoError(t, err)
				assert.Equal(t, tt.wantOut, out.String())
			}
			assert.Equal(t, tt.wantCalls, tt.fake.calls)
			assert.True(t, tt.fake.closed, "store must be closed")
		})
	}
}

func TestRealMain_ExitCodes(t *testing.T) {
	fake := &fakeSchema{state: postgres.MigrationState{Version: 2, Applied: 2}}
	useSchema(t, fake, nil)
	lookup := envWith(map[string]string{"STOREFRONT_POSTGRES_DSN": "postgres://fake/shop"})

	var out bytes.Buffer
	require.Equal(t, 0, realMain([]string{"-direction=status"}, lookup, &out))
	assert.True(t, strings.HasPrefix(out.String(), "migrate status ok"))

	require.Equal(t, 2, realMain([]string{"-direction=sideways"}, lookup, io.Discard))
	require.Equal(t, 2, realMain(nil, envWith(nil), io.Discard), "missing dsn")
	require.Equal(t, 2, realMain(nil, envWith(map[string]string{
		"STOREFRONT_POSTGRES_DSN": "postgres://fake/shop",
		"STOREFRONT_LOG_LEVEL":    "chatty",
	}), io.Discard))

	fake.state.Pending = 1
	require.Equal(t, 1, realMain([]string{"-direction=status", "-check"}, lookup, io.Discard))
}

func testPostgresDSN(t *testing.T) string {
	t.Helper()

	for _, key := range []string{"STOREFRONT_POSTGRES_TEST_DSN", "STOREFRONT_POSTGRES_DSN"} {
		dsn := strings.TrimSpace(os.Getenv(key))
		if dsn == "" {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		store, err := postgres.Open(ctx, dsn)
		cancel()
		if err != nil {
			continue
		}
		_ = store.Close()
		return dsn
	}

	t.Skip("postgres dsn is not available")
	return ""
}

func TestMigrate_Postgres(t *testing.T) {
	dsn := testPostgresDSN(t)

	for _, action := range []string{actionStatus, actionUp, actionDown, actionUp} {
		opts, err := parseOptions([]string{"-direction=" + action, "-dsn=" + dsn}, app.DefaultConfig())
		require.NoError(t, err)

		var out bytes.Buffer
		_, err = migrate(context.Background(), opts, &out)
		require.NoError(t, err)
		assert.Contains(t, out.String(), "migrate "+action+" ok")
	}

	opts, err := parseOptions([]string{"-direction=status", "-check", "-dsn=" + dsn}, app.DefaultConfig())
	require.NoError(t, err)
	_, err = migrate(context.Background(), opts, io.Discard)
	require.NoError(t, err, "schema must be current after up")
}
