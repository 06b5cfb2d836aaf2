package game

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"tigrinho/internal/database"
	"tigrinho/internal/wallet"
)

// Shared by the PG-backed tests below. Nil when Postgres is unavailable, in
// which case those tests skip; the in-memory tests in this package still run.
var (
	testPool   *pgxpool.Pool
	testWallet *wallet.Store
	testStore  *PGStore
)

func startPostgresContainer() (func(context.Context, ...testcontainers.TerminateOption) error, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	dbContainer, err := postgres.Run(
		ctx,
		"postgres:latest",
		postgres.WithDatabase("database"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		return nil, err
	}

	connStr, err := dbContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return dbContainer.Terminate, err
	}

	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return dbContainer.Terminate, err
	}
	if err := database.RunMigrations(db, "../../migrations"); err != nil {
		db.Close()
		return dbContainer.Terminate, err
	}
	db.Close()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return dbContainer.Terminate, err
	}

	testPool = pool
	testWallet = wallet.New(pool)
	testStore = NewPGStore(pool, testWallet)

	return dbContainer.Terminate, nil
}

func TestMain(m *testing.M) {
	teardown := setupPostgres()

	code := m.Run()

	if testPool != nil {
		testPool.Close()
	}
	if teardown != nil {
		teardown(context.Background())
	}

	os.Exit(code)
}

func setupPostgres() func(context.Context, ...testcontainers.TerminateOption) error {
	if os.Getenv("SKIP_INTEGRATION") != "" {
		return nil
	}
	if os.Getenv("CI") == "" && !isDockerAvailable() {
		return nil
	}

	teardown, err := startPostgresContainer()
	if err != nil {
		// Container failed to start; PG-backed tests skip.
		testPool = nil
		testStore = nil
		return teardown
	}
	return teardown
}

func isDockerAvailable() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	provider, err := testcontainers.NewDockerProvider()
	if err != nil {
		return false
	}
	defer provider.Close()

	_, err = provider.DaemonHost(ctx)
	return err == nil
}

func requirePostgres(t *testing.T) {
	t.Helper()
	if testStore == nil {
		t.Skip("requires Docker and Postgres")
	}
}

func resetTables(t *testing.T) {
	t.Helper()
	_, err := testPool.Exec(context.Background(),
		`TRUNCATE transactions, crash_bets, crash_rounds, users CASCADE`)
	if err != nil {
		t.Fatalf("reset tables: %v", err)
	}
}

func createPGUser(t *testing.T, id string, balance float64) {
	t.Helper()
	ctx := context.Background()
	if err := testWallet.CreateUser(ctx, id, id); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if balance > 0 {
		if _, err := testWallet.Deposit(ctx, id, balance); err != nil {
			t.Fatalf("deposit: %v", err)
		}
	}
}

func createPGRound(t *testing.T) *Round {
	t.Helper()
	hash := NewGameHash()
	round := &Round{
		ID:         uuid.NewString(),
		Hash:       hash,
		Seed:       SeedFromHash(hash),
		CrashPoint: CrashPointFromHash(hash),
		Status:     RoundPending,
		CreatedAt:  time.Now(),
	}
	created, ok, err := testStore.CreateRound(context.Background(), round)
	if err != nil {
		t.Fatalf("create round: %v", err)
	}
	if !ok {
		t.Fatal("round not created; open round left behind by another test")
	}
	return created
}

func newPGBet(userID, gameID string, amount float64) *Bet {
	return &Bet{
		ID:        uuid.NewString(),
		UserID:    userID,
		GameID:    gameID,
		Amount:    amount,
		Status:    BetActive,
		CreatedAt: time.Now(),
	}
}

func TestPGStoreCreateRoundCollapsesConcurrentCreators(t *testing.T) {
	requirePostgres(t)
	resetTables(t)
	ctx := context.Background()

	const creators = 8
	var wg sync.WaitGroup
	ids := make([]string, creators)
	createdFlags := make([]bool, creators)
	for i := 0; i < creators; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			hash := NewGameHash()
			round := &Round{
				ID:         uuid.NewString(),
				Hash:       hash,
				Seed:       SeedFromHash(hash),
				CrashPoint: CrashPointFromHash(hash),
				Status:     RoundPending,
				CreatedAt:  time.Now(),
			}
			got, created, err := testStore.CreateRound(ctx, round)
			if err != nil {
				t.Errorf("CreateRound() error: %v", err)
				return
			}
			ids[i] = got.ID
			createdFlags[i] = created
		}(i)
	}
	wg.Wait()

	var wins int
	for i := 0; i < creators; i++ {
		if createdFlags[i] {
			wins++
		}
		if ids[i] != ids[0] {
			t.Fatalf("creators observed different rounds: %s vs %s", ids[0], ids[i])
		}
	}
	if wins != 1 {
		t.Fatalf("round created %d times, want exactly 1", wins)
	}

	// A sequential explicit creation against the open round also loses.
	_, created, err := testStore.CreateRound(ctx, &Round{
		ID: uuid.NewString(), Hash: NewGameHash(), Seed: "s", CrashPoint: 2,
		Status: RoundPending, CreatedAt: time.Now(),
	})
	if err != nil || created {
		t.Fatalf("CreateRound() with open round: created=%v err=%v, want existing round", created, err)
	}
}

func TestPGStoreDuplicateBetRejected(t *testing.T) {
	requirePostgres(t)
	resetTables(t)
	ctx := context.Background()

	createPGUser(t, "alice", 100)
	round := createPGRound(t)

	if _, _, err := testStore.PlaceBet(ctx, newPGBet("alice", round.ID, 10)); err != nil {
		t.Fatalf("first PlaceBet() error: %v", err)
	}
	if _, _, err := testStore.PlaceBet(ctx, newPGBet("alice", round.ID, 10)); !errors.Is(err, ErrDuplicateBet) {
		t.Fatalf("second PlaceBet() error = %v, want ErrDuplicateBet", err)
	}

	balance, err := testWallet.GetBalance(ctx, "alice")
	if err != nil {
		t.Fatalf("GetBalance() error: %v", err)
	}
	if balance != 90 {
		t.Errorf("balance = %v, want one debit to 90", balance)
	}
}

func TestPGStoreConcurrentBetsOneWins(t *testing.T) {
	requirePostgres(t)
	resetTables(t)
	ctx := context.Background()

	createPGUser(t, "bob", 1000)
	round := createPGRound(t)

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = testStore.PlaceBet(ctx, newPGBet("bob", round.ID, 10))
		}(i)
	}
	wg.Wait()

	var wins int
	for _, err := range errs {
		if err == nil {
			wins++
		} else if !errors.Is(err, ErrDuplicateBet) {
			t.Errorf("unexpected PlaceBet() error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("bet placed %d times, want exactly 1", wins)
	}

	balance, _ := testWallet.GetBalance(ctx, "bob")
	if balance != 990 {
		t.Errorf("balance = %v, want 990; losing bets must roll their debit back", balance)
	}
}

func TestPGStorePlaceBetOnStartedRoundRolledBack(t *testing.T) {
	requirePostgres(t)
	resetTables(t)
	ctx := context.Background()

	createPGUser(t, "carol", 100)
	round := createPGRound(t)

	if _, err := testStore.StartRound(ctx, round.ID, time.Now()); err != nil {
		t.Fatalf("StartRound() error: %v", err)
	}
	if _, _, err := testStore.PlaceBet(ctx, newPGBet("carol", round.ID, 10)); !errors.Is(err, ErrRoundNotOpen) {
		t.Fatalf("PlaceBet() on running round error = %v, want ErrRoundNotOpen", err)
	}

	balance, _ := testWallet.GetBalance(ctx, "carol")
	if balance != 100 {
		t.Errorf("balance = %v, want untouched 100", balance)
	}
}

func TestPGStoreStartRoundWaitsForInFlightBet(t *testing.T) {
	requirePostgres(t)
	resetTables(t)
	ctx := context.Background()

	createPGUser(t, "dave", 100)
	round := createPGRound(t)

	// Hold the same share lock a bet placement takes mid-transaction; the
	// PENDING -> RUNNING update must wait for it, so a bet can never slip
	// into a round that already started.
	tx, err := testPool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback(ctx)

	var status RoundStatus
	if err := tx.QueryRow(ctx,
		`SELECT status FROM crash_rounds WHERE id = $1 FOR SHARE`,
		round.ID).Scan(&status); err != nil {
		t.Fatalf("lock round: %v", err)
	}
	if status != RoundPending {
		t.Fatalf("round status = %v, want PENDING", status)
	}

	started := make(chan error, 1)
	go func() {
		_, err := testStore.StartRound(ctx, round.ID, time.Now())
		started <- err
	}()

	select {
	case err := <-started:
		t.Fatalf("StartRound() finished while bet lock was held (err=%v)", err)
	case <-time.After(200 * time.Millisecond):
	}

	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	select {
	case err := <-started:
		if err != nil {
			t.Fatalf("StartRound() after lock release error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("StartRound() still blocked after lock release")
	}
}

func TestPGStoreCashoutSettlesOnce(t *testing.T) {
	requirePostgres(t)
	resetTables(t)
	ctx := context.Background()

	createPGUser(t, "erin", 100)
	round := createPGRound(t)
	bet := newPGBet("erin", round.ID, 10)
	if _, _, err := testStore.PlaceBet(ctx, bet); err != nil {
		t.Fatalf("PlaceBet() error: %v", err)
	}
	if _, err := testStore.StartRound(ctx, round.ID, time.Now()); err != nil {
		t.Fatalf("StartRound() error: %v", err)
	}

	const callers = 4
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = testStore.CashoutBet(ctx, bet.ID, 2.0, 10, 20)
		}(i)
	}
	wg.Wait()

	var wins int
	for _, err := range errs {
		if err == nil {
			wins++
		} else if !errors.Is(err, ErrBetNotActive) {
			t.Errorf("unexpected CashoutBet() error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("cashout succeeded %d times, want exactly 1", wins)
	}

	balance, _ := testWallet.GetBalance(ctx, "erin")
	if balance != 110 {
		t.Errorf("balance = %v, want 110 (100 - 10 stake + 20 payout)", balance)
	}
}

func TestPGStoreCrashRoundSettlesLossesOnce(t *testing.T) {
	requirePostgres(t)
	resetTables(t)
	ctx := context.Background()

	createPGUser(t, "frank", 100)
	createPGUser(t, "gina", 100)
	round := createPGRound(t)
	bets := []*Bet{newPGBet("frank", round.ID, 10), newPGBet("gina", round.ID, 20)}
	for _, bet := range bets {
		if _, _, err := testStore.PlaceBet(ctx, bet); err != nil {
			t.Fatalf("PlaceBet() error: %v", err)
		}
	}
	if _, err := testStore.StartRound(ctx, round.ID, time.Now()); err != nil {
		t.Fatalf("StartRound() error: %v", err)
	}

	crashed, lost, err := testStore.CrashRound(ctx, round.ID, time.Now())
	if err != nil {
		t.Fatalf("CrashRound() error: %v", err)
	}
	if crashed.Status != RoundCrashed || crashed.CrashedAt == nil {
		t.Error("round not marked crashed")
	}
	if lost != 2 {
		t.Errorf("settled %d bets, want 2", lost)
	}
	for _, bet := range bets {
		settled, err := testStore.GetBet(ctx, bet.ID)
		if err != nil {
			t.Fatalf("GetBet() error: %v", err)
		}
		if settled.Status != BetLost || settled.Profit == nil || *settled.Profit != 0 {
			t.Errorf("bet %s not settled as zero-profit loss: %+v", bet.ID, settled)
		}
	}

	// The conditional update makes the second trigger affect nothing.
	if _, _, err := testStore.CrashRound(ctx, round.ID, time.Now()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second CrashRound() error = %v, want ErrInvalidTransition", err)
	}
}

func TestPGStoreCashoutFailureReasons(t *testing.T) {
	requirePostgres(t)
	resetTables(t)
	ctx := context.Background()

	if _, _, err := testStore.CashoutBet(ctx, uuid.NewString(), 2.0, 10, 20); !errors.Is(err, ErrBetNotFound) {
		t.Fatalf("CashoutBet() unknown bet error = %v, want ErrBetNotFound", err)
	}

	createPGUser(t, "henry", 100)
	round := createPGRound(t)
	bet := newPGBet("henry", round.ID, 10)
	if _, _, err := testStore.PlaceBet(ctx, bet); err != nil {
		t.Fatalf("PlaceBet() error: %v", err)
	}

	// Round still PENDING: the bet is active but not cashable.
	if _, _, err := testStore.CashoutBet(ctx, bet.ID, 2.0, 10, 20); !errors.Is(err, ErrRoundNotRunning) {
		t.Fatalf("CashoutBet() on pending round error = %v, want ErrRoundNotRunning", err)
	}
}

func TestPGStoreCurrentRoundRecentWindow(t *testing.T) {
	requirePostgres(t)
	resetTables(t)
	ctx := context.Background()

	round := createPGRound(t)
	if _, err := testStore.StartRound(ctx, round.ID, time.Now()); err != nil {
		t.Fatalf("StartRound() error: %v", err)
	}
	if _, _, err := testStore.CrashRound(ctx, round.ID, time.Now()); err != nil {
		t.Fatalf("CrashRound() error: %v", err)
	}

	recent, err := testStore.CurrentRound(ctx, 10*time.Second)
	if err != nil {
		t.Fatalf("CurrentRound() error: %v", err)
	}
	if recent == nil || recent.ID != round.ID {
		t.Fatal("just-crashed round not served within the trailing window")
	}

	none, err := testStore.CurrentRound(ctx, 0)
	if err != nil {
		t.Fatalf("CurrentRound() error: %v", err)
	}
	if none != nil {
		t.Fatalf("CurrentRound(0) = %v, want nil once the window is closed", none.ID)
	}
}
