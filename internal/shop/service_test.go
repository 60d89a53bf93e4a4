package shop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gameshop-ledger/internal/config"
	"github.com/gameshop-ledger/internal/domain"
)

// fakeStore mirrors the ledger semantics: a composite-unique purchase table
// and a balance column, guarded by one mutex standing in for row locks.
type fakeStore struct {
	mu        sync.Mutex
	users     map[int64]*domain.User
	products  map[string]*domain.Product
	purchases map[string]*domain.Purchase
	nextID    int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:     make(map[int64]*domain.User),
		products:  make(map[string]*domain.Product),
		purchases: make(map[string]*domain.Purchase),
	}
}

func purchaseKey(userID int64, productID, idempotencyKey string) string {
	return fmt.Sprintf("%d|%s|%s", userID, productID, idempotencyKey)
}

func (s *fakeStore) GetProduct(_ context.Context, productID string) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[productID]
	if !ok {
		return nil, domain.ErrProductNotFound
	}
	return p, nil
}

func (s *fakeStore) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Product
	for _, p := range s.products {
		out = append(out, *p)
	}
	return out, nil
}

func (s *fakeStore) GetPurchaseByKey(_ context.Context, userID int64, productID, idempotencyKey string) (*domain.Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.purchases[purchaseKey(userID, productID, idempotencyKey)]
	if !ok {
		return nil, domain.ErrPurchaseNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *fakeStore) ExecutePurchase(_ context.Context, userID int64, product *domain.Product, idempotencyKey string) (*domain.Purchase, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := purchaseKey(userID, product.ProductID, idempotencyKey)
	if existing, ok := s.purchases[key]; ok {
		cp := *existing
		return &cp, true, nil
	}

	user, ok := s.users[userID]
	if !ok {
		return nil, false, domain.ErrUserNotFound
	}

	var goldDelta int64
	switch product.Category {
	case domain.CategoryConversion:
		goldDelta = product.GoldOut
		if goldDelta == 0 {
			goldDelta = product.Price
		}
	default:
		if user.GoldBalance < product.Price {
			return nil, false, domain.ErrInsufficientFunds
		}
		goldDelta = -product.Price
	}

	s.nextID++
	p := &domain.Purchase{
		ID:             s.nextID,
		UserID:         userID,
		ProductID:      product.ProductID,
		IdempotencyKey: idempotencyKey,
		Category:       product.Category,
		Amount:         product.Price,
		GoldBefore:     user.GoldBalance,
		GoldDelta:      goldDelta,
		GoldAfter:      user.GoldBalance + goldDelta,
		Status:         domain.PurchaseStatusSuccess,
		ReceiptCode:    fmt.Sprintf("receipt-%d", s.nextID),
		CreatedAt:      time.Now(),
	}
	s.purchases[key] = p
	user.GoldBalance = p.GoldAfter

	cp := *p
	return &cp, false, nil
}

func (s *fakeStore) ListPurchases(_ context.Context, userID int64, limit int) ([]domain.Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Purchase
	for _, p := range s.purchases {
		if p.UserID == userID {
			out = append(out, *p)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) GetUser(_ context.Context, userID int64) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *fakeStore) balance(userID int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[userID].GoldBalance
}

type fakeLocker struct {
	mu    sync.Mutex
	locks map[string]bool
	deny  bool
	fail  bool
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{locks: make(map[string]bool)}
}

func (l *fakeLocker) AcquireIdempLock(_ context.Context, userID int64, productID, key string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail {
		return false, errors.New("lock backend down")
	}
	if l.deny {
		return false, nil
	}
	k := purchaseKey(userID, productID, key)
	if l.locks[k] {
		return false, nil
	}
	l.locks[k] = true
	return true, nil
}

func (l *fakeLocker) ReleaseIdempLock(_ context.Context, userID int64, productID, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.locks, purchaseKey(userID, productID, key))
	return nil
}

func newTestService(store *fakeStore, locker Locker) *Service {
	cfg := &config.ShopConfig{
		IdempotencyLockTTL: time.Minute,
		HistoryLimit:       20,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(store, locker, cfg, logger)
}

func seedCatalog(store *fakeStore) {
	store.users[1] = &domain.User{ID: 1, Username: "tester", GoldBalance: 1000}
	store.products["gold_pack_small"] = &domain.Product{
		ProductID: "gold_pack_small",
		Name:      "Small Gold Pack",
		Price:     500,
		Category:  domain.CategoryConversion,
		GoldOut:   500,
		IsActive:  true,
	}
	store.products["booster_item"] = &domain.Product{
		ProductID: "booster_item",
		Name:      "Booster",
		Price:     300,
		Category:  domain.CategoryItem,
		IsActive:  true,
	}
}

func TestPurchaseItemDeductsGold(t *testing.T) {
	store := newFakeStore()
	seedCatalog(store)
	svc := newTestService(store, newFakeLocker())

	result, err := svc.Purchase(context.Background(), 1, "booster_item", "key-1")
	if err != nil {
		t.Fatalf("Purchase() error = %v", err)
	}

	if result.GoldDelta != -300 {
		t.Errorf("GoldDelta = %d, want -300", result.GoldDelta)
	}
	if result.GoldAfter != 700 {
		t.Errorf("GoldAfter = %d, want 700", result.GoldAfter)
	}
	if result.Idempotent {
		t.Error("fresh purchase marked idempotent")
	}
	if result.ReceiptCode == "" {
		t.Error("missing receipt code")
	}
	if got := store.balance(1); got != 700 {
		t.Errorf("stored balance = %d, want 700", got)
	}
}

func TestPurchaseConversionCreditsGold(t *testing.T) {
	store := newFakeStore()
	seedCatalog(store)
	svc := newTestService(store, newFakeLocker())

	result, err := svc.Purchase(context.Background(), 1, "gold_pack_small", "key-1")
	if err != nil {
		t.Fatalf("Purchase() error = %v", err)
	}

	if result.GoldDelta != 500 {
		t.Errorf("GoldDelta = %d, want 500", result.GoldDelta)
	}
	if result.GoldAfter != 1500 {
		t.Errorf("GoldAfter = %d, want 1500", result.GoldAfter)
	}
}

func TestPurchaseRetrySameKeyIsIdempotent(t *testing.T) {
	store := newFakeStore()
	seedCatalog(store)
	svc := newTestService(store, newFakeLocker())

	first, err := svc.Purchase(context.Background(), 1, "booster_item", "key-1")
	if err != nil {
		t.Fatalf("first Purchase() error = %v", err)
	}

	second, err := svc.Purchase(context.Background(), 1, "booster_item", "key-1")
	if err != nil {
		t.Fatalf("retry Purchase() error = %v", err)
	}

	if !second.Idempotent {
		t.Error("retry not marked idempotent")
	}
	if second.ReceiptCode != first.ReceiptCode {
		t.Errorf("retry receipt = %q, want %q", second.ReceiptCode, first.ReceiptCode)
	}
	if second.TransactionID != first.TransactionID {
		t.Errorf("retry transaction = %d, want %d", second.TransactionID, first.TransactionID)
	}
	if got := store.balance(1); got != 700 {
		t.Errorf("balance after retry = %d, want 700 (single charge)", got)
	}
}

func TestPurchaseConcurrentSameKeySingleCharge(t *testing.T) {
	store := newFakeStore()
	seedCatalog(store)
	svc := newTestService(store, newFakeLocker())

	const n = 20
	results := make([]*domain.PurchaseResult, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Purchase(context.Background(), 1, "booster_item", "racing-key")
		}(i)
	}
	wg.Wait()

	var receipt string
	succeeded := 0
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			// Losers may observe the in-flight lock before the row commits.
			if !errors.Is(errs[i], domain.ErrPurchaseInProgress) {
				t.Fatalf("unexpected error: %v", errs[i])
			}
			continue
		}
		succeeded++
		if receipt == "" {
			receipt = results[i].ReceiptCode
		} else if results[i].ReceiptCode != receipt {
			t.Errorf("receipt mismatch: %q vs %q", results[i].ReceiptCode, receipt)
		}
	}

	if succeeded == 0 {
		t.Fatal("no request succeeded")
	}
	if got := store.balance(1); got != 700 {
		t.Errorf("balance = %d, want 700 (exactly one charge)", got)
	}
}

func TestPurchaseDifferentKeysChargeTwice(t *testing.T) {
	store := newFakeStore()
	seedCatalog(store)
	svc := newTestService(store, newFakeLocker())

	if _, err := svc.Purchase(context.Background(), 1, "booster_item", "key-a"); err != nil {
		t.Fatalf("first Purchase() error = %v", err)
	}
	if _, err := svc.Purchase(context.Background(), 1, "booster_item", "key-b"); err != nil {
		t.Fatalf("second Purchase() error = %v", err)
	}

	if got := store.balance(1); got != 400 {
		t.Errorf("balance = %d, want 400 (two charges)", got)
	}
}

func TestPurchaseSameKeyDifferentProducts(t *testing.T) {
	store := newFakeStore()
	seedCatalog(store)
	svc := newTestService(store, newFakeLocker())

	// The unique constraint spans the full (user, product, key) triple, so the
	// same key against two products is two distinct purchases.
	first, err := svc.Purchase(context.Background(), 1, "booster_item", "shared-key")
	if err != nil {
		t.Fatalf("first Purchase() error = %v", err)
	}
	second, err := svc.Purchase(context.Background(), 1, "gold_pack_small", "shared-key")
	if err != nil {
		t.Fatalf("second Purchase() error = %v", err)
	}

	if first.Idempotent || second.Idempotent {
		t.Error("distinct purchases marked idempotent")
	}
	if got := store.balance(1); got != 1200 {
		t.Errorf("balance = %d, want 1200 (one debit, one credit)", got)
	}
}

func TestPurchaseGeneratesKeyWhenOmitted(t *testing.T) {
	store := newFakeStore()
	seedCatalog(store)
	svc := newTestService(store, newFakeLocker())

	result, err := svc.Purchase(context.Background(), 1, "booster_item", "")
	if err != nil {
		t.Fatalf("Purchase() error = %v", err)
	}

	if result.IdempotencyKey == "" {
		t.Error("no idempotency key generated")
	}
	if result.Idempotent {
		t.Error("fresh purchase marked idempotent")
	}
}

func TestPurchaseInsufficientFunds(t *testing.T) {
	store := newFakeStore()
	seedCatalog(store)
	store.users[1].GoldBalance = 100
	svc := newTestService(store, newFakeLocker())

	_, err := svc.Purchase(context.Background(), 1, "booster_item", "key-1")
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Errorf("Purchase() error = %v, want ErrInsufficientFunds", err)
	}
	if got := store.balance(1); got != 100 {
		t.Errorf("balance = %d, want 100 (unchanged)", got)
	}
}

func TestPurchaseRetryAfterInsufficientFunds(t *testing.T) {
	store := newFakeStore()
	seedCatalog(store)
	store.users[1].GoldBalance = 100
	svc := newTestService(store, newFakeLocker())

	// A rejected attempt writes no ledger row, so the key stays usable
	_, err := svc.Purchase(context.Background(), 1, "booster_item", "key-1")
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("Purchase() error = %v, want ErrInsufficientFunds", err)
	}

	store.mu.Lock()
	store.users[1].GoldBalance = 1000
	store.mu.Unlock()

	result, err := svc.Purchase(context.Background(), 1, "booster_item", "key-1")
	if err != nil {
		t.Fatalf("retry Purchase() error = %v", err)
	}
	if result.Idempotent {
		t.Error("retry after rejection marked idempotent")
	}
	if result.GoldAfter != 700 {
		t.Errorf("GoldAfter = %d, want 700", result.GoldAfter)
	}
}

func TestPurchaseProductNotFound(t *testing.T) {
	store := newFakeStore()
	seedCatalog(store)
	svc := newTestService(store, newFakeLocker())

	_, err := svc.Purchase(context.Background(), 1, "no_such_product", "key-1")
	if !errors.Is(err, domain.ErrProductNotFound) {
		t.Errorf("Purchase() error = %v, want ErrProductNotFound", err)
	}
}

func TestPurchaseEmptyProductID(t *testing.T) {
	store := newFakeStore()
	seedCatalog(store)
	svc := newTestService(store, newFakeLocker())

	_, err := svc.Purchase(context.Background(), 1, "", "key-1")
	if !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("Purchase() error = %v, want ErrInvalidRequest", err)
	}
}

func TestPurchaseLockHeldWithoutCommittedRow(t *testing.T) {
	store := newFakeStore()
	seedCatalog(store)
	locker := newFakeLocker()
	locker.deny = true
	svc := newTestService(store, locker)

	_, err := svc.Purchase(context.Background(), 1, "booster_item", "key-1")
	if !errors.Is(err, domain.ErrPurchaseInProgress) {
		t.Errorf("Purchase() error = %v, want ErrPurchaseInProgress", err)
	}
}

func TestPurchaseLockHeldWithCommittedRow(t *testing.T) {
	store := newFakeStore()
	seedCatalog(store)
	svc := newTestService(store, newFakeLocker())

	first, err := svc.Purchase(context.Background(), 1, "booster_item", "key-1")
	if err != nil {
		t.Fatalf("first Purchase() error = %v", err)
	}

	locker := newFakeLocker()
	locker.deny = true
	svc = newTestService(store, locker)

	result, err := svc.Purchase(context.Background(), 1, "booster_item", "key-1")
	if err != nil {
		t.Fatalf("Purchase() with held lock error = %v", err)
	}
	if !result.Idempotent {
		t.Error("committed row not served as idempotent")
	}
	if result.ReceiptCode != first.ReceiptCode {
		t.Errorf("receipt = %q, want %q", result.ReceiptCode, first.ReceiptCode)
	}
}

func TestPurchaseLockOutageDegradesToStore(t *testing.T) {
	store := newFakeStore()
	seedCatalog(store)
	locker := newFakeLocker()
	locker.fail = true
	svc := newTestService(store, locker)

	result, err := svc.Purchase(context.Background(), 1, "booster_item", "key-1")
	if err != nil {
		t.Fatalf("Purchase() during lock outage error = %v", err)
	}
	if result.GoldAfter != 700 {
		t.Errorf("GoldAfter = %d, want 700", result.GoldAfter)
	}
}

func TestListPurchasesClampsLimit(t *testing.T) {
	store := newFakeStore()
	seedCatalog(store)
	svc := newTestService(store, newFakeLocker())

	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("key-%d", i)
		if _, err := svc.Purchase(context.Background(), 1, "gold_pack_small", key); err != nil {
			t.Fatalf("Purchase() error = %v", err)
		}
	}

	purchases, err := svc.ListPurchases(context.Background(), 1, 0)
	if err != nil {
		t.Fatalf("ListPurchases() error = %v", err)
	}
	if len(purchases) != 5 {
		t.Errorf("len(purchases) = %d, want 5", len(purchases))
	}

	purchases, err = svc.ListPurchases(context.Background(), 1, 2)
	if err != nil {
		t.Fatalf("ListPurchases() error = %v", err)
	}
	if len(purchases) != 2 {
		t.Errorf("len(purchases) = %d, want 2", len(purchases))
	}
}

type notifyRecorder struct {
	mu      sync.Mutex
	results []*domain.PurchaseResult
}

func (n *notifyRecorder) NotifyPurchase(_ int64, result *domain.PurchaseResult) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.results = append(n.results, result)
}

func TestPurchaseNotifiesOnlyFreshCommits(t *testing.T) {
	store := newFakeStore()
	seedCatalog(store)
	svc := newTestService(store, newFakeLocker())

	recorder := &notifyRecorder{}
	svc.SetNotifier(recorder)

	if _, err := svc.Purchase(context.Background(), 1, "booster_item", "key-1"); err != nil {
		t.Fatalf("Purchase() error = %v", err)
	}
	if _, err := svc.Purchase(context.Background(), 1, "booster_item", "key-1"); err != nil {
		t.Fatalf("retry Purchase() error = %v", err)
	}

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if len(recorder.results) != 1 {
		t.Errorf("notifications = %d, want 1", len(recorder.results))
	}
}
