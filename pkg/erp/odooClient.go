package erp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/zoff-tech/erp-bridge/pkg/config"
	"github.com/zoff-tech/erp-bridge/pkg/event"
)

// OdooClient talks to an Odoo instance over JSON-RPC. Authentication is
// a uid lookup cached for the client's lifetime; every call carries the
// credentials, so there is no session to expire.
type OdooClient struct {
	settings *config.ErpSettings
	mapper   *Mapper
	httpc    *http.Client

	mu  sync.Mutex
	uid int64
}

func NewOdooClient(settings *config.ErpSettings, mapper *Mapper) *OdooClient {
	return &OdooClient{
		settings: settings,
		mapper:   mapper,
		httpc:    &http.Client{Timeout: settings.Timeout},
	}
}

func (c *OdooClient) Upsert(ctx context.Context, entityType event.EntityType, entityKey string, fields map[string]any) (int64, error) {
	tracer := otel.Tracer("erp-bridge")
	ctx, span := tracer.Start(ctx, "ErpUpsert")
	defer span.End()
	span.SetAttributes(
		attribute.String("erp.entity_type", string(entityType)),
		attribute.String("erp.entity_key", entityKey),
	)

	model, err := c.mapper.Model(entityType)
	if err != nil {
		return 0, err
	}
	keyField, err := c.mapper.KeyField(entityType)
	if err != nil {
		return 0, err
	}

	ids, err := c.search(ctx, model, keyField, entityKey)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	if len(ids) > 0 {
		if _, err := c.executeKw(ctx, model, "write", []any{ids, fields}, nil); err != nil {
			span.RecordError(err)
			return 0, err
		}
		return ids[0], nil
	}

	created := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		created[k] = v
	}
	created[keyField] = entityKey

	res, err := c.executeKw(ctx, model, "create", []any{created}, nil)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	id, ok := res.(float64)
	if !ok {
		return 0, &RemoteRejection{Message: fmt.Sprintf("create returned %T, want record id", res)}
	}
	log.Printf("Created %s record %d for %s", model, int64(id), entityKey)
	return int64(id), nil
}

func (c *OdooClient) Delete(ctx context.Context, entityType event.EntityType, entityKey string) (bool, error) {
	tracer := otel.Tracer("erp-bridge")
	ctx, span := tracer.Start(ctx, "ErpDelete")
	defer span.End()
	span.SetAttributes(
		attribute.String("erp.entity_type", string(entityType)),
		attribute.String("erp.entity_key", entityKey),
	)

	model, err := c.mapper.Model(entityType)
	if err != nil {
		return false, err
	}
	keyField, err := c.mapper.KeyField(entityType)
	if err != nil {
		return false, err
	}

	ids, err := c.search(ctx, model, keyField, entityKey)
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	if len(ids) == 0 {
		return false, nil
	}

	if _, err := c.executeKw(ctx, model, "unlink", []any{ids}, nil); err != nil {
		span.RecordError(err)
		return false, err
	}
	return true, nil
}

func (c *OdooClient) search(ctx context.Context, model, keyField, key string) ([]int64, error) {
	res, err := c.executeKw(ctx, model, "search",
		[]any{[]any{[]any{keyField, "=", key}}},
		map[string]any{"limit": 2})
	if err != nil {
		return nil, err
	}
	raw, ok := res.([]any)
	if !ok {
		return nil, &RemoteRejection{Message: fmt.Sprintf("search returned %T, want id list", res)}
	}
	ids := make([]int64, 0, len(raw))
	for _, v := range raw {
		f, ok := v.(float64)
		if !ok {
			return nil, &RemoteRejection{Message: fmt.Sprintf("search returned non-numeric id %v", v)}
		}
		ids = append(ids, int64(f))
	}
	return ids, nil
}

func (c *OdooClient) executeKw(ctx context.Context, model, method string, args []any, kwargs map[string]any) (any, error) {
	uid, err := c.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	callArgs := []any{c.settings.Database, uid, c.settings.Password, model, method, args}
	if kwargs != nil {
		callArgs = append(callArgs, kwargs)
	}
	return c.call(ctx, "object", "execute_kw", callArgs)
}

func (c *OdooClient) authenticate(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.uid != 0 {
		return c.uid, nil
	}

	res, err := c.call(ctx, "common", "login",
		[]any{c.settings.Database, c.settings.Username, c.settings.Password})
	if err != nil {
		return 0, err
	}
	uid, ok := res.(float64)
	if !ok || uid == 0 {
		return 0, &RemoteRejection{Message: "authentication failed: invalid credentials"}
	}
	c.uid = int64(uid)
	log.Printf("Authenticated against ERP as uid %d", c.uid)
	return c.uid, nil
}

type rpcRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
	ID      string    `json:"id"`
}

type rpcParams struct {
	Service string `json:"service"`
	Method  string `json:"method"`
	Args    []any  `json:"args"`
}

type rpcResponse struct {
	Result any       `json:"result"`
	Error  *rpcError `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Message string `json:"message"`
	} `json:"data"`
}

func (c *OdooClient) call(ctx context.Context, service, method string, args []any) (any, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  "call",
		Params:  rpcParams{Service: service, Method: method, Args: args},
		ID:      uuid.NewString(),
	})
	if err != nil {
		return nil, err
	}

	url := strings.TrimRight(c.settings.URL, "/") + "/jsonrpc"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, &TransportError{Err: fmt.Errorf("http %d from %s", resp.StatusCode, url)}
	}
	if resp.StatusCode >= 400 {
		return nil, &RemoteRejection{Message: fmt.Sprintf("http %d from %s", resp.StatusCode, url)}
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, &TransportError{Err: err}
	}
	if rpcResp.Error != nil {
		msg := rpcResp.Error.Data.Message
		if msg == "" {
			msg = rpcResp.Error.Message
		}
		return nil, &RemoteRejection{Message: msg}
	}
	return rpcResp.Result, nil
}
