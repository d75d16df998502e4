package main

import (
	"fmt"
	"log"
	"os"

	"github.com/nurserykv/nurserykv/pkg/lsm"
)

func main() {
	dir := "./data/nurserykv-demo"
	os.RemoveAll(dir)

	fmt.Println("Opening store...")
	opts := lsm.DefaultOptions(dir)
	store, err := lsm.Open(dir, opts)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}

	fmt.Println("Writing data...")
	for i := 0; i < 10; i++ {
		key := []byte(fmt.Sprintf("key%03d", i))
		value := []byte(fmt.Sprintf("value%03d", i))
		if err := store.Put(key, value); err != nil {
			log.Fatalf("failed to write: %v", err)
		}
		fmt.Printf("  wrote %s = %s\n", key, value)
	}

	fmt.Println("\nReading back...")
	for i := 0; i < 10; i++ {
		key := []byte(fmt.Sprintf("key%03d", i))
		value, err := store.Get(key)
		switch {
		case err == nil:
			fmt.Printf("  read %s = %s\n", key, value)
		case lsm.IsNotFound(err):
			fmt.Printf("  read %s = NOT FOUND\n", key)
		default:
			log.Fatalf("get %s: %v", key, err)
		}
	}

	fmt.Println("\nFolding [key003, key007)...")
	err = store.FoldRange(func(key, value []byte) (bool, error) {
		fmt.Printf("  fold %s = %s\n", key, value)
		return true, nil
	}, lsm.FoldOptions{From: []byte("key003"), To: []byte("key007")})
	if err != nil {
		log.Fatalf("fold: %v", err)
	}

	fmt.Println("\nDeleting key005...")
	if err := store.Delete([]byte("key005")); err != nil {
		log.Fatalf("delete: %v", err)
	}
	if _, err := store.Get([]byte("key005")); lsm.IsNotFound(err) {
		fmt.Println("  key005 confirmed gone")
	}

	fmt.Println("\nClosing store...")
	if err := store.Close(); err != nil {
		log.Fatalf("close: %v", err)
	}

	fmt.Println("\nReopening store to confirm durability...")
	store2, err := lsm.Open(dir, opts)
	if err != nil {
		log.Fatalf("reopen: %v", err)
	}
	defer store2.Close()

	value, err := store2.Get([]byte("key002"))
	if err != nil {
		log.Fatalf("get after reopen: %v", err)
	}
	fmt.Printf("  read key002 = %s after reopen\n", value)

	fmt.Println("\ndemo complete")
}
