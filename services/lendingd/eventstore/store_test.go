package eventstore

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"gorm.io/gorm"

	"debtledger/core/events"
	"debtledger/crypto"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	return db
}

func account(b byte) crypto.Address {
	return crypto.NewAddress(crypto.AccountPrefix, bytes.Repeat([]byte{b}, crypto.AddressLength))
}

func TestAppendAndFilter(t *testing.T) {
	store, err := New(setupTestDB(t), nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	alice, bob := account(1), account(2)

	store.Emit(events.LendingBorrow{Account: alice, Amount: uint256.NewInt(70), Timestamp: 10})
	store.Emit(events.LendingRepay{Account: bob, Amount: uint256.NewInt(5), Timestamp: 11})
	store.Emit(events.LendingRepay{Account: alice, Amount: uint256.NewInt(3), Timestamp: 12})

	all, err := store.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 records, got %d", len(all))
	}
	for i, record := range all {
		if record.Sequence != uint64(i+1) {
			t.Fatalf("record %d has sequence %d", i, record.Sequence)
		}
	}

	repays, err := store.List(ctx, Filter{Type: events.TypeLendingRepay, Account: alice.String()})
	if err != nil {
		t.Fatalf("filtered list: %v", err)
	}
	if len(repays) != 1 || repays[0].Timestamp != 12 {
		t.Fatalf("unexpected filtered records: %+v", repays)
	}
	evt, err := repays[0].Event()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if evt.Attributes["account"] != alice.String() || evt.Attributes["amount"] != "3" {
		t.Fatalf("unexpected attributes: %v", evt.Attributes)
	}

	page, err := store.List(ctx, Filter{After: 1, Limit: 1})
	if err != nil {
		t.Fatalf("paged list: %v", err)
	}
	if len(page) != 1 || page[0].Sequence != 2 {
		t.Fatalf("unexpected page: %+v", page)
	}
}

func TestSequenceResumesAfterReopen(t *testing.T) {
	db := setupTestDB(t)
	first, err := New(db, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, err := first.Append(context.Background(), events.LendingWithdraw{Account: account(1), Timestamp: 1}); err != nil {
		t.Fatalf("append: %v", err)
	}

	second, err := New(db, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	record, err := second.Append(context.Background(), events.LendingWithdraw{Account: account(1), Timestamp: 2})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if record.Sequence != 2 {
		t.Fatalf("expected sequence 2, got %d", record.Sequence)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open("mysql", "dsn", nil); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
	if _, err := Open(DriverPostgres, " ", nil); err == nil {
		t.Fatal("expected error for missing postgres dsn")
	}
}
