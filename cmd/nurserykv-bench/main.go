package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"github.com/nurserykv/nurserykv/pkg/lsm"
)

func main() {
	writes := flag.Int("writes", 100000, "number of writes")
	reads := flag.Int("reads", 10000, "number of reads")
	valueSize := flag.Int("value-size", 1024, "value size in bytes")
	flag.Parse()

	fmt.Printf("nurserykv benchmark\n")
	fmt.Printf("===================\n\n")
	fmt.Printf("writes:     %d\n", *writes)
	fmt.Printf("reads:      %d\n", *reads)
	fmt.Printf("value size: %d bytes\n\n", *valueSize)

	dir := "./data/nurserykv-bench"
	os.RemoveAll(dir)

	opts := lsm.DefaultOptions(dir)
	store, err := lsm.Open(dir, opts)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	value := make([]byte, *valueSize)
	for i := range value {
		value[i] = byte(rand.Intn(256))
	}

	fmt.Printf("writing...\n")
	start := time.Now()
	for i := 0; i < *writes; i++ {
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, uint64(i))
		if err := store.Put(key, value); err != nil {
			log.Fatalf("failed to write: %v", err)
		}
		if (i+1)%10000 == 0 {
			fmt.Printf("  wrote %d entries\n", i+1)
		}
	}
	writeDuration := time.Since(start)
	writeThroughput := float64(*writes) / writeDuration.Seconds()

	fmt.Printf("completed %d writes in %v (%.0f writes/sec)\n", *writes, writeDuration, writeThroughput)

	fmt.Printf("\nreading...\n")
	start = time.Now()
	found := 0
	for i := 0; i < *reads; i++ {
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, uint64(rand.Intn(*writes)))
		if _, err := store.Get(key); err == nil {
			found++
		}
	}
	readDuration := time.Since(start)
	readThroughput := float64(*reads) / readDuration.Seconds()

	fmt.Printf("completed %d reads in %v (%.0f reads/sec), found %d/%d\n",
		*reads, readDuration, readThroughput, found, *reads)

	fmt.Printf("\nfolding full range...\n")
	start = time.Now()
	count := 0
	if err := store.Fold(func(key, value []byte) (bool, error) {
		count++
		return true, nil
	}); err != nil {
		log.Fatalf("fold: %v", err)
	}
	fmt.Printf("folded %d entries in %v\n", count, time.Since(start))

	health := store.Health()
	fmt.Printf("\nhealth: %s\n", health.Status)
}
