package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// desk_check smoke-tests a running trading desk over HTTP and gRPC health.
//
//	go run ./scripts/desk_check
//
// Environment:
//
//	DESK_URL                 (default "http://localhost:8080")
//	GRPC_ADDR                (default "localhost:9090")
//	JWT_SECRET               signs a short-lived token for mutating calls
//	DESK_CHECK_PLACE_ORDERS  (default "false") submits an ENTRY, its duplicate and an EXIT
//	DESK_CHECK_SYMBOL        (default "SYM")
func main() {
	_ = godotenv.Load()
	log.Println("=== Trading desk check starting ===")

	base := getenv("DESK_URL", "http://localhost:8080")
	grpcAddr := getenv("GRPC_ADDR", "localhost:9090")
	symbol := getenv("DESK_CHECK_SYMBOL", "SYM")
	placeOrders := getenv("DESK_CHECK_PLACE_ORDERS", "false") == "true"

	token := ""
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		t := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			Subject:   "desk_check",
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(5 * time.Minute)),
		})
		signed, err := t.SignedString([]byte(secret))
		if err != nil {
			log.Fatalf("sign token: %v", err)
		}
		token = signed
	}

	c := &client{base: base, token: token, http: &http.Client{Timeout: 10 * time.Second}}
	failed := 0
	check := func(name string, err error) {
		if err != nil {
			failed++
			log.Printf("[FAIL] %s: %v", name, err)
			return
		}
		log.Printf("[ OK ] %s", name)
	}

	check("GET /health", c.expect(http.MethodGet, "/health", nil, http.StatusOK, nil))

	var st struct {
		Version    uint64 `json:"version"`
		Strategies []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"strategies"`
	}
	check("GET /state", c.expect(http.MethodGet, "/state", nil, http.StatusOK, &st))
	log.Printf("snapshot v%d, %d strategies", st.Version, len(st.Strategies))

	names := make([]string, 0, len(st.Strategies))
	for _, s := range st.Strategies {
		names = append(names, s.Name)
	}
	check("gRPC health", checkGRPC(grpcAddr, names))

	if placeOrders {
		id := "desk-check-" + uuid.NewString()[:8]
		entry := basket(id, "ENTRY", symbol, "BUY")
		check("POST /orders ENTRY", c.expect(http.MethodPost, "/orders", entry, http.StatusOK, nil))

		var dup struct {
			Duplicate bool `json:"duplicate"`
		}
		err := c.expect(http.MethodPost, "/orders", entry, http.StatusOK, &dup)
		if err == nil && !dup.Duplicate {
			err = fmt.Errorf("resubmission not reported as duplicate")
		}
		check("POST /orders duplicate", err)

		check("POST /orders EXIT", c.expect(http.MethodPost, "/orders", basket(id+"-x", "EXIT", symbol, "SELL"), http.StatusOK, nil))
	} else {
		log.Println("order checks skipped (DESK_CHECK_PLACE_ORDERS=false)")
	}

	if failed > 0 {
		log.Fatalf("=== %d checks failed ===", failed)
	}
	log.Println("=== All checks passed ===")
}

func basket(id, intent, symbol, side string) map[string]any {
	return map[string]any{
		"id":               id,
		"execution_intent": intent,
		"strategy":         "desk_check",
		"legs": []map[string]any{
			{"symbol": symbol, "side": side, "quantity": 1, "order_type": "MARKET"},
		},
	}
}

type client struct {
	base  string
	token string
	http  *http.Client
}

func (c *client) expect(method, path string, body any, want int, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, c.base+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != want {
		return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}
	if out != nil {
		return json.Unmarshal(raw, out)
	}
	return nil
}

func checkGRPC(addr string, names []string) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return err
	}
	defer conn.Close()
	hc := healthpb.NewHealthClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, name := range append([]string{""}, names...) {
		resp, err := hc.Check(ctx, &healthpb.HealthCheckRequest{Service: name})
		if err != nil {
			return fmt.Errorf("service %q: %w", name, err)
		}
		label := name
		if label == "" {
			label = "(process)"
		}
		log.Printf("   %s: %s", label, resp.GetStatus())
	}
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
