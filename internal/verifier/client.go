// Package verifier 封装外部注册中心（Registry）的 HTTP 客户端。
// 只在握手阶段调用 /verify，以及后台轮询 /list。
package verifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// RegisteredCP 注册中心已登记的充电桩条目
type RegisteredCP struct {
	CPID        string  `json:"cp_id"`
	City        string  `json:"city,omitempty"`
	PricePerKWh float64 `json:"price_per_kwh"`
}

// Verifier 凭据校验接口，便于网关测试时注入假实现
type Verifier interface {
	Verify(ctx context.Context, cpID, username, password string) (bool, error)
	List(ctx context.Context) ([]RegisteredCP, error)
}

// Client 注册中心 HTTP 客户端
type Client struct {
	base   string
	client *http.Client
}

// New 创建客户端，timeout 约束单次调用，避免握手阶段挂起 worker
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		base:   baseURL,
		client: &http.Client{Timeout: timeout},
	}
}

type verifyRequest struct {
	CPID     string `json:"cp_id"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type verifyResponse struct {
	Valid bool `json:"valid"`
}

// Verify 校验凭据。返回 (false, nil) 表示凭据被明确拒绝；
// 返回 error 表示注册中心不可达或响应异常，调用方按握手失败处理。
func (c *Client) Verify(ctx context.Context, cpID, username, password string) (bool, error) {
	body, err := json.Marshal(verifyRequest{CPID: cpID, Username: username, Password: password})
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/verify", bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("registry verify: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return false, nil
	default:
		return false, fmt.Errorf("registry verify: unexpected status %d", resp.StatusCode)
	}

	var vr verifyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&vr); err != nil {
		return false, fmt.Errorf("registry verify: decode: %w", err)
	}
	return vr.Valid, nil
}

type listResponse struct {
	ChargingPoints []RegisteredCP `json:"charging_points"`
}

// List 返回注册中心已登记的充电桩
func (c *Client) List(ctx context.Context) ([]RegisteredCP, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/list", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry list: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry list: unexpected status %d", resp.StatusCode)
	}
	var lr listResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&lr); err != nil {
		return nil, fmt.Errorf("registry list: decode: %w", err)
	}
	return lr.ChargingPoints, nil
}
