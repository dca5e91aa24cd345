package kvgo_test

import (
	"context"
	"fmt"
	"log"

	"github.com/hupe1980/kvgo"
	"github.com/hupe1980/kvgo/model"
)

// Example demonstrates writing, reading, and scanning keys.
func Example() {
	ctx := context.Background()
	db, err := kvgo.Open("/example", kvgo.WithStorageBackend("memory"))
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	for _, name := range []string{"user:1", "user:2", "user:3"} {
		if err := db.Set(ctx, model.NewStringKey(name), model.StringValue("active")); err != nil {
			log.Fatal(err)
		}
	}
	if err := db.Delete(ctx, model.NewStringKey("user:2")); err != nil {
		log.Fatal(err)
	}

	for k, v := range db.RangeScan(ctx, model.NewStringKey("user:0"), model.NewStringKey("user:9")) {
		fmt.Println(k, string(v.Raw))
	}
	// Output:
	// user:1 active
	// user:3 active
}

// Example_transaction demonstrates an explicit transaction.
func Example_transaction() {
	ctx := context.Background()
	db, err := kvgo.Open("/example", kvgo.WithStorageBackend("memory"))
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	tx, err := db.Begin(ctx, model.RepeatableRead)
	if err != nil {
		log.Fatal(err)
	}
	if err := tx.Insert(ctx, model.NewNumericKey(1), model.StringValue("draft")); err != nil {
		log.Fatal(err)
	}
	if err := tx.Rollback(ctx); err != nil {
		log.Fatal(err)
	}

	_, err = db.Get(ctx, model.NewNumericKey(1))
	fmt.Println(err != nil, kvgo.IsRetryable(err))
	// Output: true false
}

// Example_batch demonstrates an atomic batch that fails as a whole.
func Example_batch() {
	ctx := context.Background()
	db, err := kvgo.Open("/example", kvgo.WithStorageBackend("memory"))
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	_ = db.Set(ctx, model.NewStringKey("taken"), model.StringValue("x"))
	res := db.BatchExecute(ctx, []model.Operation{
		model.Insert(model.NewStringKey("fresh"), model.StringValue("1")),
		model.Insert(model.NewStringKey("taken"), model.StringValue("2")),
	}, model.Atomic())
	fmt.Println(res.Succeeded, res.Failed)
	// Output: 0 2
}
