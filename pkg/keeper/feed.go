package keeper

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/minjekim/veriswap/pkg/core/order"
	"github.com/minjekim/veriswap/pkg/core/settlement"
)

// Feed supplies the open orders a keeper may try to fill. Produced by an
// external collaborator; each order carries the maker's signature and is
// identified by its hash.
type Feed interface {
	OpenOrders(ctx context.Context) ([]order.Signed, error)
}

// LocalFeed reads straight from an in-process settlement engine. Used when
// the keeper runs inside the node.
type LocalFeed struct {
	Engine *settlement.Engine
}

func (f *LocalFeed) OpenOrders(ctx context.Context) ([]order.Signed, error) {
	return f.Engine.OpenOrders(), nil
}

// HTTPFeed polls a settlement node's order endpoint. Used when the keeper
// runs as an independent process.
type HTTPFeed struct {
	BaseURL string
	Client  *http.Client
}

func (f *HTTPFeed) OpenOrders(ctx context.Context) ([]order.Signed, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.BaseURL+"/api/v1/orders", nil)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("order feed request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("order feed returned %s", resp.Status)
	}

	var orders []order.Signed
	if err := json.NewDecoder(resp.Body).Decode(&orders); err != nil {
		return nil, fmt.Errorf("failed to decode order feed: %w", err)
	}
	return orders, nil
}
