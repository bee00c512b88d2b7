package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/shopspring/decimal"

	"github.com/betbot/deritrader/internal/instruments"
	"github.com/betbot/deritrader/internal/latency"
	"github.com/betbot/deritrader/internal/rpcerr"
	"github.com/betbot/deritrader/internal/session"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	bidStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("2")) // 绿色

	askStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("1")) // 红色

	errorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("9"))

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1)
)

const menuText = `buy <instrument> <amount> [price]     下单买入（不带价格为市价单）
sell <instrument> <amount> [price]    下单卖出
cancel <order_id>                     撤单
modify <order_id> <price> <amount>    改单
book <instrument> [depth]             订单簿
positions <currency> [kind]           持仓
sub <channel>                         订阅，例如 book.BTC-PERPETUAL.100ms
unsub <channel>                       取消订阅
instruments <currency>                合约列表
latency [label|reset]                 延迟统计，带 label 显示最近样本
status                                会话状态
help                                  显示菜单
exit                                  退出`

func renderMenu() string {
	return borderStyle.Render(headerStyle.Render("deribit-trader") + "\n\n" + menuText)
}

func renderError(err error) string {
	return errorStyle.Render("✗ " + err.Error())
}

// describeError 在连接已不可用时追加提示，后台会自动重连
func describeError(err error) string {
	if rpcerr.IsRecoverable(err) {
		return renderError(err)
	}
	return renderError(err) + "\n" + labelStyle.Render("连接已断开，等待自动重连后再试")
}

func field(name string, value interface{}) string {
	return fmt.Sprintf("%s %v", labelStyle.Render(name+":"), value)
}

func renderOrder(title string, o session.Order, trades int) string {
	price := o.Price.String()
	if o.OrderType == "market" && o.Price.IsZero() {
		price = "market"
	}
	lines := []string{
		headerStyle.Render(title),
		field("order_id", o.OrderID),
		field("instrument", o.InstrumentName),
		field("direction", o.Direction),
		field("type", o.OrderType),
		field("state", o.State),
		field("price", price),
		field("amount", o.Amount.String()),
		field("filled", o.FilledAmount.String()),
	}
	if trades > 0 {
		lines = append(lines, field("trades", trades))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func renderBook(b *session.OrderBook) string {
	bids := []string{bidStyle.Bold(true).Render("BID")}
	for _, lvl := range b.Bids {
		bids = append(bids, bidStyle.Render(levelText(lvl)))
	}
	asks := []string{askStyle.Bold(true).Render("ASK")}
	for _, lvl := range b.Asks {
		asks = append(asks, askStyle.Render(levelText(lvl)))
	}
	sides := lipgloss.JoinHorizontal(lipgloss.Top,
		lipgloss.JoinVertical(lipgloss.Left, bids...),
		"    ",
		lipgloss.JoinVertical(lipgloss.Left, asks...),
	)
	head := headerStyle.Render(b.InstrumentName) + " " +
		labelStyle.Render(fmt.Sprintf("mark=%s index=%s", b.MarkPrice, b.IndexPrice))
	return borderStyle.Render(lipgloss.JoinVertical(lipgloss.Left, head, "", sides))
}

func levelText(lvl session.PriceLevel) string {
	return fmt.Sprintf("%12s x %-10s", lvl.Price.String(), lvl.Amount.String())
}

func renderPositions(ps []session.Position) string {
	if len(ps) == 0 {
		return labelStyle.Render("无持仓")
	}
	var sb strings.Builder
	sb.WriteString(headerStyle.Render("positions"))
	for _, p := range ps {
		pnl := p.FloatingProfitLoss.String()
		style := bidStyle
		if p.FloatingProfitLoss.LessThan(decimal.Zero) {
			style = askStyle
		}
		sb.WriteString(fmt.Sprintf("\n%-22s %-5s size=%s avg=%s pnl=%s",
			p.InstrumentName, p.Direction, p.Size, p.AveragePrice, style.Render(pnl)))
	}
	return sb.String()
}

func renderInstruments(currency string, list []instruments.Instrument) string {
	var sb strings.Builder
	sb.WriteString(headerStyle.Render(fmt.Sprintf("%s instruments (%d)", currency, len(list))))
	for _, inst := range list {
		sb.WriteString(fmt.Sprintf("\n%-28s %-14s tick=%s min=%s",
			inst.InstrumentName, inst.Kind, inst.TickSize, inst.MinTradeAmount))
	}
	return sb.String()
}

func renderLatency(stats []latency.Stats) string {
	if len(stats) == 0 {
		return labelStyle.Render("暂无延迟样本")
	}
	var sb strings.Builder
	sb.WriteString(headerStyle.Render("latency"))
	sb.WriteString(labelStyle.Render(fmt.Sprintf("\n%-14s %6s %10s %10s %10s %10s", "label", "count", "mean", "p50", "p99", "max")))
	for _, st := range stats {
		sb.WriteString(fmt.Sprintf("\n%-14s %6d %10s %10s %10s %10s",
			st.Label, st.Count, ms(st.Mean), ms(st.P50), ms(st.P99), ms(st.Max)))
	}
	return sb.String()
}

func renderSamples(label string, samples []time.Duration) string {
	if len(samples) == 0 {
		return labelStyle.Render(fmt.Sprintf("%s 暂无样本", label))
	}
	parts := make([]string, len(samples))
	for i, d := range samples {
		parts[i] = ms(d)
	}
	return headerStyle.Render(label) + "\n" + strings.Join(parts, " ")
}

func ms(d time.Duration) string {
	return fmt.Sprintf("%.2fms", float64(d)/float64(time.Millisecond))
}

func renderStatus(st session.Status) string {
	lines := []string{
		headerStyle.Render("session"),
		field("state", st.State),
		field("url", st.URL),
		field("authenticated", st.Authenticated),
		field("pending", st.PendingCalls),
		field("channels", strings.Join(st.Channels, ", ")),
	}
	if st.AuthExpiresAt != nil {
		lines = append(lines, field("token_expires", st.AuthExpiresAt.Local().Format(time.RFC3339)))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}
