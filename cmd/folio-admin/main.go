// folio-admin pokes at a folio namespace directly, bypassing the engine.
// Useful for inspecting storage layout and for surgical repairs while the
// daemon is down.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	// CLI flags
	addr := flag.String("addr", "localhost:6379", "storage endpoint address")
	db := flag.Int("db", 0, "namespace index")
	scan := flag.Bool("scan", false, "list every record id with its mod stamp")
	dump := flag.String("dump", "", "dump one record and its history summary by id")
	clearHis := flag.String("clear-his", "", "record id whose history range to delete")
	start := flag.Int64("start", 0, "clear range start, unix millis inclusive")
	end := flag.Int64("end", 0, "clear range end, unix millis exclusive")
	flag.Parse()

	log := buildLogger()
	log = log.Named("main")

	rdb := redis.NewClient(&redis.Options{
		Addr:         *addr,
		DB:           *db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	ctx := context.Background()

	switch {
	case *scan:
		runScan(ctx, log, rdb)
	case *dump != "":
		runDump(ctx, log, rdb, *dump)
	case *clearHis != "":
		if *end <= *start {
			fmt.Println("Usage: ./folio-admin -clear-his=<id> -start=<ms> -end=<ms>")
			os.Exit(1)
		}
		runClearHis(ctx, log, rdb, *clearHis, *start, *end)
	default:
		flag.Usage()
		os.Exit(1)
	}
}

func runScan(ctx context.Context, log *zap.Logger, rdb *redis.Client) {
	ids, err := rdb.SMembers(ctx, "idx:all").Result()
	if err != nil {
		log.Fatal("record enumeration failed", zap.Error(err))
	}
	for _, id := range ids {
		mod, err := rdb.HGet(ctx, "rec:"+id, "mod").Result()
		if err != nil {
			mod = "?"
		}
		fmt.Printf("%-40s %s\n", id, mod)
	}
	log.Info("scan complete", zap.Int("recs", len(ids)))
}

func runDump(ctx context.Context, log *zap.Logger, rdb *redis.Client, id string) {
	rec, err := rdb.HGetAll(ctx, "rec:"+id).Result()
	if err != nil {
		log.Fatal("record fetch failed", zap.String("id", id), zap.Error(err))
	}
	if len(rec) == 0 {
		log.Fatal("no such record", zap.String("id", id))
	}
	spew.Dump(rec)

	size, err := rdb.ZCard(ctx, "his:"+id).Result()
	if err != nil {
		log.Fatal("history size fetch failed", zap.String("id", id), zap.Error(err))
	}
	if size > 0 {
		first, _ := rdb.ZRangeWithScores(ctx, "his:"+id, 0, 0).Result()
		last, _ := rdb.ZRangeWithScores(ctx, "his:"+id, -1, -1).Result()
		spew.Dump(first, last)
	}
	log.Info("dump complete", zap.String("id", id), zap.Int64("hisSize", size))
}

func runClearHis(ctx context.Context, log *zap.Logger, rdb *redis.Client, id string, start, end int64) {
	// end millisecond is excluded, matching the engine's clear semantics
	n, err := rdb.ZRemRangeByScore(ctx, "his:"+id,
		fmt.Sprintf("%d", start), fmt.Sprintf("%d", end-1)).Result()
	if err != nil {
		log.Fatal("history clear failed", zap.String("id", id), zap.Error(err))
	}
	log.Info("history cleared",
		zap.String("id", id),
		zap.Int64("removed", n),
		zap.Int64("start", start),
		zap.Int64("end", end),
	)
}

func buildLogger() *zap.Logger {
	logConfig := zap.NewDevelopmentConfig()
	logConfig.EncoderConfig.TimeKey = ""
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logConfig.DisableStacktrace = true
	logConfig.DisableCaller = true
	logConfig.Level.SetLevel(zap.DebugLevel)
	return zap.Must(logConfig.Build())
}
