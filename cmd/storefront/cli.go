package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	json "github.com/goccy/go-json"

	cartdomain "github.com/mzlad1/mirabeauty-sub001/internal/domain/cart"
	loadingdomain "github.com/mzlad1/mirabeauty-sub001/internal/domain/loading"
)

var errUsage = errors.New("invalid arguments")

type cartLine struct {
	ItemID      string           `json:"itemId"`
	Quantity    int              `json:"quantity"`
	UnitPrice   cartdomain.Price `json:"unitPrice"`
	Subtotal    string           `json:"subtotal"`
	DisplayName string           `json:"displayName,omitempty"`
}

type cartReport struct {
	Lines []cartLine `json:"lines"`
	Total string     `json:"total"`
	Count int        `json:"count"`
}

func runCart(ctx context.Context, rt *runtime, args []string, stdout io.Writer) error {
	sub := "show"
	if len(args) > 0 {
		sub, args = args[0], args[1:]
	}

	var (
		snapshot cartdomain.Snapshot
		err      error
	)
	switch sub {
	case "show":
		snapshot = rt.cart.Load(ctx)
	case "add":
		if len(args) < 2 {
			return fmt.Errorf("cart add <id> <price> [qty] [name]: %w", errUsage)
		}
		qty := 1
		if len(args) > 2 {
			if qty, err = strconv.Atoi(args[2]); err != nil {
				return fmt.Errorf("quantity %q: %w", args[2], errUsage)
			}
		}
		item := cartdomain.Item{ItemID: args[0], UnitPrice: cartdomain.PriceOf(args[1])}
		if len(args) > 3 {
			item.DisplayName = strings.Join(args[3:], " ")
		}
		snapshot, err = rt.cart.Add(ctx, item, qty)
	case "set":
		if len(args) != 2 {
			return fmt.Errorf("cart set <id> <qty>: %w", errUsage)
		}
		qty, convErr := strconv.Atoi(args[1])
		if convErr != nil {
			return fmt.Errorf("quantity %q: %w", args[1], errUsage)
		}
		snapshot, err = rt.cart.SetQuantity(ctx, args[0], qty)
	case "remove":
		if len(args) != 1 {
			return fmt.Errorf("cart remove <id>: %w", errUsage)
		}
		snapshot, err = rt.cart.Remove(ctx, args[0])
	case "clear":
		snapshot, err = rt.cart.Clear(ctx)
	default:
		return fmt.Errorf("unknown cart command %q: %w", sub, errUsage)
	}
	if err != nil {
		return err
	}
	return printJSON(stdout, newCartReport(snapshot))
}

func newCartReport(snapshot cartdomain.Snapshot) cartReport {
	report := cartReport{
		Lines: make([]cartLine, 0, snapshot.Len()),
		Total: snapshot.Total().StringFixed(2),
		Count: snapshot.Count(),
	}
	for _, line := range snapshot.Lines {
		report.Lines = append(report.Lines, cartLine{
			ItemID:      line.ItemID,
			Quantity:    line.Quantity,
			UnitPrice:   line.UnitPrice,
			Subtotal:    line.Subtotal().StringFixed(2),
			DisplayName: line.DisplayName,
		})
	}
	return report
}

func runPreload(ctx context.Context, rt *runtime, urls []string, stdout io.Writer) error {
	if len(urls) == 0 {
		return fmt.Errorf("preload <url>...: %w", errUsage)
	}

	var (
		mu   sync.Mutex
		last = -1
		done bool
	)
	unsubscribe := rt.loading.Subscribe(func(status loadingdomain.Status) {
		if status.State != loadingdomain.StateRunning {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if done {
			return
		}
		pct := int(status.Progress)
		if pct != last {
			last = pct
			fmt.Fprintf(stdout, "progress %d%%\n", pct)
		}
	})
	defer unsubscribe()

	results, err := rt.Preload(ctx, urls)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	// statuses can still be in flight from operation goroutines
	done = true
	failed := 0
	for _, result := range results {
		if result.OK {
			fmt.Fprintf(stdout, "ok     %s\n", result.URL)
			continue
		}
		failed++
		fmt.Fprintf(stdout, "broken %s: %v\n", result.URL, result.Err)
	}
	fmt.Fprintf(stdout, "%d/%d images available\n", len(results)-failed, len(results))
	return nil
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
