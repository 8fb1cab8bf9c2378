package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/orderflow/pkg/api"
	"github.com/uhyunpark/orderflow/pkg/order"
)

func main() {
	apiURL := flag.String("api", "http://localhost:3000", "orderflow API base URL")
	symbol := flag.String("symbol", "AAPL", "symbol to trade")
	side := flag.String("side", "buy", "buy or sell")
	qty := flag.String("qty", "10", "quantity")
	count := flag.Int("n", 1, "number of orders to submit concurrently")
	timeout := flag.Duration("timeout", 30*time.Second, "how long to follow each order")
	flag.Parse()

	quantity, err := decimal.NewFromString(*qty)
	if err != nil {
		fmt.Printf("Error: invalid quantity %q: %v\n", *qty, err)
		os.Exit(1)
	}
	req := api.SubmitOrderRequest{Symbol: *symbol, Side: order.Side(*side), Quantity: quantity}

	var wg sync.WaitGroup
	var mu sync.Mutex
	failed := 0
	for i := 0; i < *count; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(*apiURL, req, *timeout); err != nil {
				mu.Lock()
				failed++
				mu.Unlock()
				fmt.Printf("Error: %v\n", err)
			}
		}()
	}
	wg.Wait()
	if failed > 0 {
		os.Exit(1)
	}
}

// run submits one order and prints its status stream until a terminal event.
func run(base string, req api.SubmitOrderRequest, timeout time.Duration) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	resp, err := http.Post(strings.TrimRight(base, "/")+"/api/orders/execute", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var e api.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("submit rejected (%d): %s %s", resp.StatusCode, e.Error, e.Message)
	}
	var ack api.SubmitOrderResponse
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return fmt.Errorf("decode ack: %w", err)
	}
	fmt.Printf("[%s] accepted %s %s %s\n", ack.OrderID, req.Side, req.Quantity, req.Symbol)

	wsURL, err := streamURL(base, ack.OrderID)
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("stream: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	for {
		conn.SetReadDeadline(deadline)
		var ev order.StatusEvent
		if err := conn.ReadJSON(&ev); err != nil {
			return fmt.Errorf("[%s] stream ended: %w", ack.OrderID, err)
		}
		fmt.Printf("[%s] %s\n", ack.OrderID, describe(ev))
		if ev.Terminal() {
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			if ev.Status == order.StatusFailed {
				return fmt.Errorf("[%s] order failed: %s", ack.OrderID, ev.Reason)
			}
			return nil
		}
	}
}

func streamURL(base, orderID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws/orders"
	u.RawQuery = url.Values{"orderId": {orderID}}.Encode()
	return u.String(), nil
}

func describe(ev order.StatusEvent) string {
	switch ev.Status {
	case order.StatusBuilding:
		return fmt.Sprintf("building on %s", ev.Dex)
	case order.StatusSubmitted:
		return fmt.Sprintf("submitted to %s (tolerance %d bps)", ev.Dex, ev.SlippageBps)
	case order.StatusConfirmed:
		return fmt.Sprintf("confirmed tx=%s price=%s slippage=%s%%", ev.TxHash, ev.Price, ev.Slippage)
	case order.StatusFailed:
		if ev.Final {
			return fmt.Sprintf("failed after %d attempts: %s", ev.Attempts, ev.Reason)
		}
		return fmt.Sprintf("attempt %d failed: %s (retrying)", ev.Attempt, ev.Error)
	default:
		return string(ev.Status)
	}
}
