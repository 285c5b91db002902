// ekvsmoke drives a randomized write/read workload against an in-memory
// flash, cross-checking every read against an in-process mirror map, then
// remounts and checks once more. It's the harness used to sanity-check a
// change to the engine before trusting it on real hardware.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"time"

	"github.com/flashkv/ekv/internal/elog"
	"github.com/flashkv/ekv/internal/emetrics"
	"github.com/flashkv/ekv/internal/obsserver"
	"github.com/flashkv/ekv/pkg/ekv"
	"github.com/flashkv/ekv/pkg/flash"
	"github.com/flashkv/ekv/pkg/hostsync"
)

var (
	iterations = flag.Int("iterations", 10000, "number of write transactions to run")
	keyCount   = flag.Int("keys", 1000, "size of the key universe")
	txMax      = flag.Int("tx-max", 100, "max records per write transaction")
	pretty     = flag.Bool("pretty", true, "pretty-print logs")
	logLevel   = flag.String("log-level", "info", "debug, info, warn, error")
	metricsAddr = flag.String("metrics-addr", "", "if set, serve /metrics and /health on this address (e.g. :9100)")
	seed       = flag.Int64("seed", 1, "PRNG seed, for reproducing a failing run")
)

const (
	keyMinLen = 1
	keyMaxLen = 10
	valMinLen = 1
	valMaxLen = 10
	txMinRecs = 1
)

func main() {
	flag.Parse()

	log := elog.New(elog.Config{Level: *logLevel, Pretty: *pretty})
	metrics := emetrics.New()

	if *metricsAddr != "" {
		srv := obsserver.New(*metricsAddr, metrics.Registry, log)
		go func() {
			if err := srv.Start(); err != nil {
				log.Error("observability server exited").Err(err).Send()
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
	}

	rng := rand.New(rand.NewSource(*seed))

	cfg := ekv.DefaultConfig()
	cfg.MaxKeySize = keyMaxLen
	cfg.MaxValueSize = valMaxLen

	log.Info("smoke run starting").
		Int("iterations", *iterations).
		Int("keys", *keyCount).
		Int("flash_size", cfg.PageSize*cfg.MaxPageCount).
		Send()

	mf := flash.New(cfg.MaxPageCount, flash.Geometry{PageSize: cfg.PageSize, Align: cfg.Align, EraseValue: cfg.EraseValue})
	db := ekv.Open(mf, cfg, log, metrics, &hostsync.StdMutex{})
	if err := db.Format(); err != nil {
		log.Fatal().Err(err).Msg("format failed")
	}

	keys := generateKeys(rng, *keyCount)
	model := make(map[string][]byte)
	buf := make([]byte, valMaxLen)

	for i := 0; i < *iterations; i++ {
		txRecords := txMinRecs + rng.Intn(*txMax-txMinRecs+1)
		batch := make(map[string][]byte, txRecords)
		for j := 0; j < txRecords; j++ {
			k := keys[rng.Intn(len(keys))]
			v := randBytes(rng, valMinLen, valMaxLen)
			batch[string(k)] = v
		}

		tx, err := db.WriteTransaction()
		if err != nil {
			log.Fatal().Err(err).Int("iteration", i).Msg("write transaction failed")
		}
		for k, v := range batch {
			if err := tx.Write([]byte(k), v); err != nil {
				log.Fatal().Err(err).Int("iteration", i).Msg("write failed")
			}
		}
		if err := tx.Commit(); err != nil {
			log.Fatal().Err(err).Int("iteration", i).Msg("commit failed")
		}
		for k, v := range batch {
			model[k] = v
		}

		if err := checkAll(db, keys, model, buf); err != nil {
			log.Fatal().Err(err).Int("iteration", i).Msg("mismatch after commit")
		}

		if i%500 == 0 {
			log.Info("progress").Int("iteration", i).Int("live_keys", len(model)).Send()
		}
	}

	log.Info("remounting to verify durability").Send()
	db2 := ekv.Open(mf, cfg, log, metrics, &hostsync.StdMutex{})
	if err := db2.Mount(); err != nil {
		log.Fatal().Err(err).Msg("remount failed")
	}
	if err := checkAll(db2, keys, model, buf); err != nil {
		log.Fatal().Err(err).Msg("mismatch after remount")
	}

	fmt.Println("smoke run passed")
}

func checkAll(db *ekv.Database, keys [][]byte, model map[string][]byte, buf []byte) error {
	for _, k := range keys {
		rtx := db.ReadTransaction()
		n, err := rtx.Read(k, buf)
		if err != nil {
			return fmt.Errorf("read %x: %w", k, err)
		}
		want := model[string(k)]
		if n > len(buf) {
			return fmt.Errorf("read %x: truncated, full length %d exceeds scratch buffer", k, n)
		}
		got := buf[:n]
		if string(got) != string(want) {
			return fmt.Errorf("mismatch for key %x: want %x, got %x", k, want, got)
		}
	}
	return nil
}

func generateKeys(rng *rand.Rand, count int) [][]byte {
	seen := make(map[string]bool, count)
	keys := make([][]byte, 0, count)

	add := func(k []byte) {
		if !seen[string(k)] {
			seen[string(k)] = true
			keys = append(keys, k)
		}
	}
	add([]byte("foo"))
	for len(keys) < count {
		add(randBytes(rng, keyMinLen, keyMaxLen))
	}
	return keys
}

func randBytes(rng *rand.Rand, minLen, maxLen int) []byte {
	n := minLen + rng.Intn(maxLen-minLen+1)
	b := make([]byte, n)
	rng.Read(b)
	return b
}
