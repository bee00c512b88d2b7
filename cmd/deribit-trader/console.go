package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/betbot/deritrader/internal/instruments"
	"github.com/betbot/deritrader/internal/latency"
	"github.com/betbot/deritrader/internal/session"
	"github.com/betbot/deritrader/internal/subscription"
)

// trader 是控制台用到的会话操作，*session.Session 满足该接口
type trader interface {
	PlaceOrder(ctx context.Context, instrument string, side session.Side, amount, price decimal.Decimal) (*session.OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) (*session.Order, error)
	ModifyOrder(ctx context.Context, orderID string, price, amount decimal.Decimal) (*session.OrderResult, error)
	GetOrderBook(ctx context.Context, instrument string, depth int) (*session.OrderBook, error)
	GetPositions(ctx context.Context, currency, kind string) ([]session.Position, error)
	Subscribe(ctx context.Context, channel string, cb subscription.Callback) (subscription.Handle, error)
	Unsubscribe(ctx context.Context, channel string) error
	Status() session.Status
	Latency() *latency.Recorder
}

type catalog interface {
	List(ctx context.Context, currency string) ([]instruments.Instrument, error)
	Lookup(ctx context.Context, name string) (instruments.Instrument, bool, error)
}

var errExit = errors.New("exit")

type console struct {
	tr  trader
	cat catalog // nil 时跳过下单前的合约校验
	out io.Writer
	mu  sync.Mutex // 推送回调与命令输出并发写 out
}

// run 逐行读取命令直到 exit、EOF 或 ctx 结束
func (c *console) run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	c.println(renderMenu())
	for {
		c.prompt()
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			err := c.handle(ctx, line)
			if errors.Is(err, errExit) {
				return nil
			}
			if err != nil {
				c.println(describeError(err))
			}
		}
	}
}

func (c *console) println(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, s)
}

func (c *console) prompt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprint(c.out, "> ")
}

func (c *console) handle(ctx context.Context, line string) error {
	args := strings.Fields(line)
	if len(args) == 0 {
		return nil
	}
	cmd, args := strings.ToLower(args[0]), args[1:]

	switch cmd {
	case "buy", "sell":
		return c.place(ctx, session.Side(cmd), args)
	case "cancel":
		if len(args) != 1 {
			return errors.New("用法: cancel <order_id>")
		}
		o, err := c.tr.CancelOrder(ctx, args[0])
		if err != nil {
			return err
		}
		c.println(renderOrder("cancelled", *o, 0))
	case "modify":
		if len(args) != 3 {
			return errors.New("用法: modify <order_id> <price> <amount>")
		}
		price, err := parseDecimal("price", args[1])
		if err != nil {
			return err
		}
		amount, err := parseDecimal("amount", args[2])
		if err != nil {
			return err
		}
		res, err := c.tr.ModifyOrder(ctx, args[0], price, amount)
		if err != nil {
			return err
		}
		c.println(renderOrder("modified", res.Order, len(res.Trades)))
	case "book":
		if len(args) < 1 {
			return errors.New("用法: book <instrument> [depth]")
		}
		depth := 5
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil || n <= 0 {
				return errors.Errorf("无效的 depth: %q", args[1])
			}
			depth = n
		}
		book, err := c.tr.GetOrderBook(ctx, args[0], depth)
		if err != nil {
			return err
		}
		c.println(renderBook(book))
	case "positions":
		if len(args) < 1 {
			return errors.New("用法: positions <currency> [kind]")
		}
		kind := ""
		if len(args) > 1 {
			kind = args[1]
		}
		ps, err := c.tr.GetPositions(ctx, strings.ToUpper(args[0]), kind)
		if err != nil {
			return err
		}
		c.println(renderPositions(ps))
	case "sub", "subscribe":
		if len(args) != 1 {
			return errors.New("用法: sub <channel>")
		}
		h, err := c.tr.Subscribe(ctx, args[0], c.onPush)
		if err != nil {
			return err
		}
		c.println(field("subscribed", fmt.Sprintf("%s (%s)", h.Channel, h.ID)))
	case "unsub", "unsubscribe":
		if len(args) != 1 {
			return errors.New("用法: unsub <channel>")
		}
		if err := c.tr.Unsubscribe(ctx, args[0]); err != nil {
			return err
		}
		c.println(field("unsubscribed", args[0]))
	case "instruments":
		if c.cat == nil {
			return errors.New("合约目录不可用")
		}
		if len(args) != 1 {
			return errors.New("用法: instruments <currency>")
		}
		currency := strings.ToUpper(args[0])
		list, err := c.cat.List(ctx, currency)
		if err != nil {
			return err
		}
		c.println(renderInstruments(currency, list))
	case "latency":
		switch {
		case len(args) == 0:
			c.println(renderLatency(c.tr.Status().Latency))
		case len(args) == 1 && args[0] == "reset":
			c.tr.Latency().Reset()
			c.println(labelStyle.Render("延迟样本已清空"))
		case len(args) == 1:
			c.println(renderSamples(args[0], c.tr.Latency().Samples(args[0])))
		default:
			return errors.New("用法: latency [label|reset]")
		}
	case "status":
		c.println(renderStatus(c.tr.Status()))
	case "help", "?":
		c.println(renderMenu())
	case "exit", "quit", "q":
		return errExit
	default:
		return errors.Errorf("未知命令 %q，输入 help 查看菜单", cmd)
	}
	return nil
}

func (c *console) place(ctx context.Context, side session.Side, args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return errors.Errorf("用法: %s <instrument> <amount> [price]", side)
	}
	instrument := args[0]
	amount, err := parseDecimal("amount", args[1])
	if err != nil {
		return err
	}
	price := decimal.Zero
	if len(args) == 3 {
		if price, err = parseDecimal("price", args[2]); err != nil {
			return err
		}
	}

	if c.cat != nil {
		inst, ok, err := c.cat.Lookup(ctx, instrument)
		if err != nil {
			return errors.Wrap(err, "合约校验失败")
		}
		if !ok {
			return errors.Errorf("未知合约 %q", instrument)
		}
		if err := inst.CheckOrder(amount, price); err != nil {
			return err
		}
	}

	res, err := c.tr.PlaceOrder(ctx, instrument, side, amount, price)
	if err != nil {
		return err
	}
	c.println(renderOrder(string(side), res.Order, len(res.Trades)))
	return nil
}

// onPush 在订阅频道的 worker 上运行
func (c *console) onPush(channel string, payload json.RawMessage) error {
	if !gjson.ValidBytes(payload) {
		return errors.Errorf("invalid payload on %s", channel)
	}
	p := gjson.ParseBytes(payload)
	if p.Get("bids").Exists() || p.Get("asks").Exists() {
		c.println(fmt.Sprintf("📥 %s change_id=%d bids=%d asks=%d",
			channel, p.Get("change_id").Int(), p.Get("bids.#").Int(), p.Get("asks.#").Int()))
		return nil
	}
	c.println(fmt.Sprintf("📥 %s %s", channel, truncate(p.Raw, 160)))
	return nil
}

func parseDecimal(name, v string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, errors.Errorf("无效的 %s: %q", name, v)
	}
	return d, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
