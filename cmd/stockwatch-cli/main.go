package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"stockwatch/internal/config"
	"stockwatch/internal/domain"
	"stockwatch/internal/session"
	"stockwatch/internal/store"
	"stockwatch/internal/util"
	"stockwatch/pkg/stockwatch"
)

const version = "0.1.0"

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: stockwatch-cli <command> [args]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  version            Print the CLI version\n")
		fmt.Fprintf(os.Stderr, "  health             Check the stockwatch server\n")
		fmt.Fprintf(os.Stderr, "  search <SYM>       Look up a quote\n")
		fmt.Fprintf(os.Stderr, "  list               Show the watchlist\n")
		fmt.Fprintf(os.Stderr, "  add <SYM>          Add a symbol to the watchlist\n")
		fmt.Fprintf(os.Stderr, "  remove <SYM>       Remove a symbol from the watchlist\n")
		fmt.Fprintf(os.Stderr, "  clear              Remove every symbol from the watchlist\n")
		fmt.Fprintf(os.Stderr, "  chart <SYM>        Show recent daily bars\n")
		fmt.Fprintf(os.Stderr, "  news <SYM>         Show recent headlines\n")
		fmt.Fprintf(os.Stderr, "  history <SYM> [N]  Show journaled prices for the last N days (default 1)\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment: STOCKWATCH_CONFIG, STOCKWATCH_BASE_URL, STOCKWATCH_TOKEN\n")
	}

	if len(os.Args) < 2 {
		flag.Usage()
		os.Exit(1)
	}
	if os.Args[1] == "version" {
		fmt.Printf("stockwatch-cli %s\n", version)
		return
	}

	cfg, err := config.Load(os.Getenv("STOCKWATCH_CONFIG"))
	if err != nil {
		fatalf("loading config: %v", err)
	}
	logger := util.NewLoggerTo(os.Stderr, cfg.Logging.Level, "text")

	client := stockwatch.NewClient(cfg.Client.BaseURL,
		stockwatch.WithAuth(stockwatch.BearerToken(cfg.Client.Token)),
		stockwatch.WithTimeout(cfg.Client.CallTimeout),
	)
	engine := session.New(session.Options{
		API:      client,
		Polling:  cfg.Polling,
		Mutation: cfg.Mutation,
		Logger:   logger,
	})
	defer engine.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	switch os.Args[1] {
	case "health":
		if err := client.Health(ctx); err != nil {
			fatalf("health: %v", err)
		}
		fmt.Println("ok")

	case "search":
		sym := needSymbol(args)
		q, err := engine.Search(ctx, sym)
		if err != nil {
			fatalf("search %s: %v", sym, err)
		}
		fmt.Printf("%s  %s\n", q.Symbol, q.Name)
		fmt.Printf("  price  %s\n", q.Price.StringFixed(2))
		fmt.Printf("  change %s (%s%%)\n", signed(q.PriceChange), signed(q.PriceChangePercent))

	case "list":
		v := mountWatchlist(ctx, engine)
		printWatchlist(v.Store().Snapshot())

	case "add":
		sym := needSymbol(args)
		v := mountWatchlist(ctx, engine)
		if err := v.Add(ctx, sym, ""); err != nil {
			fatalf("add %s: %v", sym, err)
		}
		printWatchlist(v.Store().Snapshot())

	case "remove":
		sym := needSymbol(args)
		v := mountWatchlist(ctx, engine)
		if err := v.Remove(ctx, sym); err != nil {
			fatalf("remove %s: %v", sym, err)
		}
		printWatchlist(v.Store().Snapshot())

	case "clear":
		v := mountWatchlist(ctx, engine)
		res, err := v.Clear(ctx)
		fmt.Printf("removed %d symbol(s)\n", len(res.Removed))
		if err != nil {
			fatalf("clear: %v (failed: %v)", err, res.Failed)
		}

	case "chart":
		sym := needSymbol(args)
		chart, err := client.Chart(ctx, sym)
		if err != nil {
			fatalf("chart %s: %v", sym, err)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "DATE\tOPEN\tHIGH\tLOW\tCLOSE\tVOLUME")
		for _, b := range chart.Bars {
			fmt.Fprintf(w, "%s\t%.2f\t%.2f\t%.2f\t%.2f\t%d\n",
				b.Time.Format("2006-01-02"), b.Open, b.High, b.Low, b.Close, b.Volume)
		}
		w.Flush()

	case "news":
		sym := needSymbol(args)
		resp, err := client.News(ctx, sym)
		if err != nil {
			fatalf("news %s: %v", sym, err)
		}
		for _, a := range resp.Articles {
			fmt.Printf("%s  [%s] %s\n", a.Time.Local().Format("01-02 15:04"), a.Source, a.Headline)
		}

	case "history":
		sym := needSymbol(args)
		days := 1
		if len(args) > 1 {
			if days, err = strconv.Atoi(args[1]); err != nil || days < 1 {
				fatalf("invalid day count %q", args[1])
			}
		}
		journal := store.NewSnapshotJournal(cfg.Storage.DataDir)
		end := time.Now()
		snaps, err := journal.Read(ctx, sym, end.AddDate(0, 0, -days), end)
		if err != nil {
			fatalf("history %s: %v", sym, err)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "FETCHED\tPRICE\tCHANGE\tCHANGE%")
		for _, s := range snaps {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.FetchedAt.Local().Format(time.DateTime),
				s.Price.StringFixed(2), signed(s.Change), signed(s.ChangePercent))
		}
		w.Flush()

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		flag.Usage()
		os.Exit(1)
	}
}

func mountWatchlist(ctx context.Context, engine *session.Engine) *session.WatchlistView {
	v, err := engine.MountWatchlist(ctx)
	if err != nil {
		fatalf("%v", err)
	}
	return v
}

func needSymbol(args []string) string {
	if len(args) < 1 {
		flag.Usage()
		os.Exit(1)
	}
	sym, err := domain.NormalizeSymbol(args[0])
	if err != nil {
		fatalf("%q: %v", args[0], err)
	}
	return sym
}

func printWatchlist(entries []domain.WatchEntry) {
	if len(entries) == 0 {
		fmt.Println("watchlist is empty")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SYMBOL\tNAME\tPRICE\tCHANGE\tCHANGE%")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.Symbol, e.CompanyName,
			nullFixed(e.LastKnownPrice, false), nullFixed(e.LastKnownChange, true), nullFixed(e.LastKnownChangePercent, true))
	}
	w.Flush()
}

func nullFixed(d decimal.NullDecimal, sign bool) string {
	if !d.Valid {
		return "-"
	}
	if sign {
		return signed(d.Decimal)
	}
	return d.Decimal.StringFixed(2)
}

func signed(d decimal.Decimal) string {
	if d.IsPositive() {
		return "+" + d.StringFixed(2)
	}
	return d.StringFixed(2)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "stockwatch-cli: "+format+"\n", args...)
	os.Exit(1)
}
