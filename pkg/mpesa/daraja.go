package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

type Config struct {
	ConsumerKey    string
	ConsumerSecret string
	PassKey        string
	ShortCode      string
	CallbackURL    string
	Sandbox        bool
}

type Client struct {
	config      *Config
	httpClient  *http.Client
	baseURL     string
	accessToken string
	tokenExpiry time.Time
	mu          sync.RWMutex
}

func NewClient(cfg *Config) *Client {
	baseURL := "https://api.safaricom.co.ke"
	if cfg.Sandbox {
		baseURL = "https://sandbox.safaricom.co.ke"
	}

	return &Client{
		config: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL: baseURL,
	}
}

// NewClientWithBaseURL is used by tests to point the client at a fake gateway.
func NewClientWithBaseURL(cfg *Config, baseURL string) *Client {
	c := NewClient(cfg)
	c.baseURL = baseURL
	return c
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

func (c *Client) getAccessToken(ctx context.Context) (string, error) {
	c.mu.RLock()
	if c.accessToken != "" && time.Now().Before(c.tokenExpiry) {
		token := c.accessToken
		c.mu.RUnlock()
		return token, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && time.Now().Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	url := fmt.Sprintf("%s/oauth/v1/generate?grant_type=client_credentials", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	auth := base64.StdEncoding.EncodeToString(
		[]byte(c.config.ConsumerKey + ":" + c.config.ConsumerSecret),
	)
	req.Header.Set("Authorization", "Basic "+auth)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to get access token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token request failed with status %d", resp.StatusCode)
	}

	var tokenResp tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}

	c.accessToken = tokenResp.AccessToken
	c.tokenExpiry = time.Now().Add(55 * time.Minute)

	return c.accessToken, nil
}

func (c *Client) password(timestamp string) string {
	return base64.StdEncoding.EncodeToString(
		[]byte(c.config.ShortCode + c.config.PassKey + timestamp),
	)
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
	ErrorCode           string `json:"errorCode"`
	ErrorMessage        string `json:"errorMessage"`
}

// InitiateResult is the outcome of an STK push initiation. Accepted=false
// means the gateway itself rejected the request; a transport failure is
// returned as an error instead. Both are non-retriable for the same
// reference.
type InitiateResult struct {
	Accepted          bool
	CheckoutRequestID string
	MerchantRequestID string
	Message           string
}

// STKPush sends a push-payment initiation to the gateway.
func (c *Client) STKPush(ctx context.Context, phone string, amount int64, reference, description string) (*InitiateResult, error) {
	token, err := c.getAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	timestamp := time.Now().Format("20060102150405")

	reqBody := stkPushRequest{
		BusinessShortCode: c.config.ShortCode,
		Password:          c.password(timestamp),
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            amount,
		PartyA:            phone,
		PartyB:            c.config.ShortCode,
		PhoneNumber:       phone,
		CallBackURL:       c.config.CallbackURL,
		AccountReference:  reference,
		TransactionDesc:   description,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/mpesa/stkpush/v1/processrequest", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send STK push: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var stkResp stkPushResponse
	if err := json.Unmarshal(body, &stkResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if stkResp.ResponseCode != "0" {
		message := stkResp.ResponseDescription
		if message == "" {
			message = stkResp.ErrorMessage
		}
		return &InitiateResult{Accepted: false, Message: message}, nil
	}

	return &InitiateResult{
		Accepted:          true,
		CheckoutRequestID: stkResp.CheckoutRequestID,
		MerchantRequestID: stkResp.MerchantRequestID,
		Message:           stkResp.CustomerMessage,
	}, nil
}

// QueryStatus is the gateway-reported state of one checkout request.
type QueryStatus string

const (
	QueryPending   QueryStatus = "pending"
	QueryCompleted QueryStatus = "completed"
	QueryFailed    QueryStatus = "failed"
)

type stkQueryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type stkQueryResponse struct {
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResultCode          string `json:"ResultCode"`
	ResultDesc          string `json:"ResultDesc"`
	TransactionCode     string `json:"TransactionCode"`
	ErrorCode           string `json:"errorCode"`
	ErrorMessage        string `json:"errorMessage"`
}

// errStillProcessing is the Daraja error code returned while the customer
// has not yet entered a PIN.
const errStillProcessing = "500.001.1001"

// QueryResult is a successfully parsed status-query response. A transport or
// gateway-side failure of the check itself is returned as an error by
// STKQuery and must be retried; QueryFailed means the gateway reports the
// payment failed.
type QueryResult struct {
	Status          QueryStatus
	TransactionCode string
	ResultCode      string
	ResultDesc      string
}

// STKQuery asks the gateway for the current state of an initiated push.
func (c *Client) STKQuery(ctx context.Context, checkoutRequestID string) (*QueryResult, error) {
	token, err := c.getAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	timestamp := time.Now().Format("20060102150405")

	reqBody := stkQueryRequest{
		BusinessShortCode: c.config.ShortCode,
		Password:          c.password(timestamp),
		Timestamp:         timestamp,
		CheckoutRequestID: checkoutRequestID,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/mpesa/stkpushquery/v1/query", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query status: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var queryResp stkQueryResponse
	if err := json.Unmarshal(body, &queryResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	// The gateway reports "still being processed" as an error payload.
	if queryResp.ErrorCode == errStillProcessing {
		return &QueryResult{Status: QueryPending, ResultDesc: queryResp.ErrorMessage}, nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status query failed with status %d: %s", resp.StatusCode, queryResp.ErrorMessage)
	}

	result := &QueryResult{
		ResultCode: queryResp.ResultCode,
		ResultDesc: queryResp.ResultDesc,
	}

	switch queryResp.ResultCode {
	case "0":
		result.Status = QueryCompleted
		result.TransactionCode = queryResp.TransactionCode
	case "":
		// Accepted for processing but no result yet.
		result.Status = QueryPending
	default:
		result.Status = QueryFailed
	}

	return result, nil
}
