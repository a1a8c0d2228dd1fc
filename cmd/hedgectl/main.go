// Command hedgectl drives a running hedger over its control socket and
// follows its event feed.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/deltahedge/hedger/internal/adapter"
	"github.com/deltahedge/hedger/internal/config"
	"github.com/deltahedge/hedger/internal/control"
	"github.com/deltahedge/hedger/internal/feed"
	"github.com/deltahedge/hedger/internal/hedge"
)

const usage = `usage: hedgectl [-socket path] [-timeout d] <command> [flags]

commands:
  status      [-json]
  connect     -exchange X -key K -secret S [-account ADDR] [-account-id N] [-l1 ADDR]
  disconnect  -exchange X
  stream      -exchange X start|stop
  symbol      BTC|ETH|SOL
  leverage    -exchange X -value N
  order       -exchange X -dir LONG|SHORT -qty Q [-type MARKET|LIMIT] [-price P]
  close       -exchange X [-type MARKET|LIMIT]
  cancel      -exchange X (-id ID | -all) | -open
  designate   -benchmark X -follower Y
  autobalance on|off
  strategy    -dir LONG|SHORT -qty Q | stop
  settings    [-interval d] [-offset f]
  watch       [-url ws://host/events] [-kinds k1,k2] [-exchange X]
`

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "hedgectl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	socket := "/tmp/hedger/control.sock"
	feedAddr := "127.0.0.1:8765"
	if cfg, err := config.Load(); err == nil {
		socket = cfg.Control.SocketPath
		feedAddr = cfg.Feed.Addr
	}

	global := flag.NewFlagSet("hedgectl", flag.ContinueOnError)
	global.Usage = func() { fmt.Fprint(global.Output(), usage) }
	global.StringVar(&socket, "socket", socket, "control socket path")
	timeout := global.Duration("timeout", 15*time.Second, "per-command timeout")
	if err := global.Parse(args); err != nil {
		return err
	}
	if global.NArg() == 0 {
		global.Usage()
		return errors.New("no command")
	}
	cmd, rest := global.Arg(0), global.Args()[1:]

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cmd == "watch" {
		return watch(ctx, rest, feedAddr, out)
	}

	c, err := control.Dial(socket)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancelCall := context.WithTimeout(ctx, *timeout)
	defer cancelCall()

	switch cmd {
	case "status":
		return status(ctx, c, rest, out)
	case "connect":
		return connect(ctx, c, rest)
	case "disconnect":
		fs, ex := exchangeFlags(cmd)
		if err := fs.Parse(rest); err != nil {
			return err
		}
		return c.Disconnect(ctx, adapter.Exchange(*ex))
	case "stream":
		fs, ex := exchangeFlags(cmd)
		if err := fs.Parse(rest); err != nil {
			return err
		}
		switch fs.Arg(0) {
		case "start":
			return c.StartStreaming(ctx, adapter.Exchange(*ex))
		case "stop":
			return c.StopStreaming(ctx, adapter.Exchange(*ex))
		}
		return errors.New("stream: expected start or stop")
	case "symbol":
		if len(rest) != 1 {
			return errors.New("symbol: expected one symbol")
		}
		sym, err := adapter.ParseSymbol(rest[0])
		if err != nil {
			return err
		}
		return c.SetSymbol(ctx, sym)
	case "leverage":
		fs, ex := exchangeFlags(cmd)
		value := fs.Int("value", 0, "leverage 1..100")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		return c.SetLeverage(ctx, adapter.Exchange(*ex), *value)
	case "order":
		return order(ctx, c, rest)
	case "close":
		fs, ex := exchangeFlags(cmd)
		typ := fs.String("type", "MARKET", "MARKET or LIMIT")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		t, err := adapter.ParseOrderType(*typ)
		if err != nil {
			return err
		}
		return c.ClosePosition(ctx, adapter.Exchange(*ex), t)
	case "cancel":
		return cancelOrders(ctx, c, rest, out)
	case "designate":
		fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
		a := fs.String("benchmark", "", "benchmark exchange")
		b := fs.String("follower", "", "follower exchange")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		return c.Designate(ctx, adapter.Exchange(*a), adapter.Exchange(*b))
	case "autobalance":
		if len(rest) != 1 || (rest[0] != "on" && rest[0] != "off") {
			return errors.New("autobalance: expected on or off")
		}
		return c.SetAutoBalance(ctx, rest[0] == "on")
	case "strategy":
		if len(rest) == 1 && rest[0] == "stop" {
			return c.StopStrategy(ctx)
		}
		fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
		dir := fs.String("dir", "", "LONG or SHORT")
		qty := fs.Float64("qty", 0, "quantity")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		d, err := adapter.ParseDirection(*dir)
		if err != nil {
			return err
		}
		return c.PlaceStrategyOrder(ctx, d, *qty)
	case "settings":
		fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
		interval := fs.Duration("interval", 0, "reconciliation interval")
		offset := fs.Float64("offset", -1, "order offset from the current price")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		var off *float64
		if *offset >= 0 {
			off = offset
		}
		return c.UpdateSettings(ctx, *interval, off)
	}
	global.Usage()
	return fmt.Errorf("unknown command %q", cmd)
}

func exchangeFlags(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	ex := fs.String("exchange", "", "pacifica or lighter")
	return fs, ex
}

func connect(ctx context.Context, c *control.Client, args []string) error {
	fs, ex := exchangeFlags("connect")
	var creds adapter.Credentials
	fs.StringVar(&creds.APIKey, "key", "", "API key")
	fs.StringVar(&creds.APISecret, "secret", "", "API secret, or kms:<base64>")
	fs.StringVar(&creds.AccountAddress, "account", "", "wallet address (pacifica)")
	fs.Int64Var(&creds.AccountID, "account-id", 0, "account id (lighter)")
	fs.StringVar(&creds.L1Address, "l1", "", "L1 address (lighter)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return c.Connect(ctx, adapter.Exchange(*ex), creds)
}

func order(ctx context.Context, c *control.Client, args []string) error {
	fs, ex := exchangeFlags("order")
	typ := fs.String("type", "MARKET", "MARKET or LIMIT")
	dir := fs.String("dir", "", "LONG or SHORT")
	qty := fs.Float64("qty", 0, "quantity")
	price := fs.Float64("price", 0, "LIMIT price; omitted = current price and offset")
	if err := fs.Parse(args); err != nil {
		return err
	}
	t, err := adapter.ParseOrderType(*typ)
	if err != nil {
		return err
	}
	d, err := adapter.ParseDirection(*dir)
	if err != nil {
		return err
	}
	return c.PlaceOrder(ctx, &control.OrderRequest{
		Exchange:  adapter.Exchange(*ex),
		Type:      t,
		Direction: d,
		Quantity:  *qty,
		Price:     *price,
	})
}

func cancelOrders(ctx context.Context, c *control.Client, args []string, out io.Writer) error {
	fs, ex := exchangeFlags("cancel")
	id := fs.String("id", "", "order id")
	all := fs.Bool("all", false, "cancel all orders on the exchange")
	open := fs.Bool("open", false, "cancel all orders on every exchange holding some")
	if err := fs.Parse(args); err != nil {
		return err
	}
	switch {
	case *open:
		n, err := c.CancelAllOpen(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "cancel-all sent to %d exchange(s)\n", n)
		return nil
	case *all:
		return c.CancelAllOrders(ctx, adapter.Exchange(*ex))
	default:
		return c.CancelOrder(ctx, adapter.Exchange(*ex), *id)
	}
}

func status(ctx context.Context, c *control.Client, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	st, err := c.Status(ctx)
	if err != nil {
		return err
	}
	if *asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
	printStatus(out, st)
	return nil
}

func printStatus(out io.Writer, st *hedge.Status) {
	fmt.Fprintf(out, "symbol %s  benchmark %s  follower %s  auto-balance %v  engine %s (every %s)\n",
		st.Symbol, orDash(string(st.Benchmark)), orDash(string(st.Follower)), st.AutoBalance, st.EnginePhase, st.EngineInterval)
	if st.Cooldown > 0 {
		fmt.Fprintf(out, "cooldown %s left\n", st.Cooldown.Round(time.Millisecond))
	}
	fmt.Fprintf(out, "offset %s  total balance %s\n\n", adapter.FormatDecimal(st.Offset), adapter.FormatDecimal(st.TotalBalance))

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EXCHANGE\tCONN\tSTREAM\tPRICE\tPOSITION\tENTRY\tPNL\tBALANCE\tLEV\tORDERS")
	for _, es := range st.Exchanges {
		price, pos, entry, pnl, bal, lev := "-", "-", "-", "-", "-", "-"
		if es.Price != nil {
			price = adapter.FormatDecimal(es.Price.Price)
		}
		if s := es.State; s != nil {
			pos = s.Position.Direction.String() + " " + adapter.FormatDecimal(s.Position.Quantity)
			entry = adapter.FormatDecimal(s.Position.EntryPrice)
			pnl = adapter.FormatDecimal(s.PnL)
			bal = adapter.FormatDecimal(s.Balance) + " " + s.Currency
			lev = fmt.Sprintf("%dx", s.Leverage)
		}
		fmt.Fprintf(tw, "%s\t%v\t%v\t%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			es.Exchange.DisplayName(), es.Connected, es.Streaming, price, pos, entry, pnl, bal, lev, len(es.OpenOrders))
	}
	tw.Flush()

	var orders []adapter.Order
	for _, es := range st.Exchanges {
		orders = append(orders, es.OpenOrders...)
	}
	if len(orders) == 0 {
		return
	}
	sort.SliceStable(orders, func(i, j int) bool { return orders[i].Timestamp.After(orders[j].Timestamp) })
	fmt.Fprintln(out)
	tw = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tEXCHANGE\tTYPE\tSIDE\tQTY\tFILLED\tPRICE\tTIME")
	for _, o := range orders {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			o.ID, o.Exchange.DisplayName(), o.Type, o.Direction,
			adapter.FormatDecimal(o.Quantity), adapter.FormatDecimal(o.FilledQuantity),
			adapter.FormatDecimal(o.Price), o.Timestamp.Local().Format(time.TimeOnly))
	}
	tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func watch(ctx context.Context, args []string, feedAddr string, out io.Writer) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	url := fs.String("url", "ws://"+feedAddr+feed.Path, "feed URL")
	kinds := fs.String("kinds", "", "comma separated event kinds")
	ex := fs.String("exchange", "", "only this exchange")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var q []string
	if *kinds != "" {
		q = append(q, "kinds="+*kinds)
	}
	if *ex != "" {
		q = append(q, "exchange="+*ex)
	}
	target := *url
	if len(q) > 0 {
		target += "?" + strings.Join(q, "&")
	}

	c := feed.NewClient(feed.DefaultClientConfig(target), nil)
	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("connect feed: %w", err)
	}
	defer c.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-c.Events():
			if !ok {
				return nil
			}
			fmt.Fprintln(out, formatEvent(ev))
		}
	}
}

func formatEvent(ev adapter.Event) string {
	ts := ev.Time.Local().Format("15:04:05.000")
	name := "core"
	if ev.Exchange != "" {
		name = ev.Exchange.DisplayName()
	}
	switch {
	case ev.Log != nil:
		return fmt.Sprintf("%s %-8s %-7s %s", ts, name, ev.Log.Level, ev.Log.Message)
	case ev.Price != nil:
		return fmt.Sprintf("%s %-8s price   %s", ts, name, adapter.FormatDecimal(ev.Price.Price))
	case ev.State != nil:
		s := ev.State
		return fmt.Sprintf("%s %-8s state   %s %s @ %s pnl %s balance %s %s %dx", ts, name,
			s.Position.Direction, adapter.FormatDecimal(s.Position.Quantity), adapter.FormatDecimal(s.Position.EntryPrice),
			adapter.FormatDecimal(s.PnL), adapter.FormatDecimal(s.Balance), s.Currency, s.Leverage)
	case ev.Kind == adapter.EventOpenOrders:
		return fmt.Sprintf("%s %-8s orders  %d open", ts, name, len(ev.Orders))
	}
	return fmt.Sprintf("%s %-8s %s", ts, name, ev.Kind)
}
