package mpesa

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockClient is an in-process stand-in for the gateway. Every STK push is
// accepted and queries report completed, unless scripted otherwise via
// QueueInitiate/QueueQuery.
type MockClient struct {
	mu sync.Mutex

	PushRequests  []MockPushRequest
	QueryRequests []string

	initiates []initiateScript
	queries   []queryScript
}

type MockPushRequest struct {
	Phone     string
	Amount    int64
	Reference string
}

type initiateScript struct {
	result *InitiateResult
	err    error
}

type queryScript struct {
	result *QueryResult
	err    error
}

func NewMockClient() *MockClient {
	return &MockClient{
		PushRequests:  make([]MockPushRequest, 0),
		QueryRequests: make([]string, 0),
	}
}

// QueueInitiate scripts the next STKPush outcome.
func (c *MockClient) QueueInitiate(result *InitiateResult, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initiates = append(c.initiates, initiateScript{result: result, err: err})
}

// QueueQuery scripts the next STKQuery outcome.
func (c *MockClient) QueueQuery(result *QueryResult, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries = append(c.queries, queryScript{result: result, err: err})
}

func (c *MockClient) STKPush(ctx context.Context, phone string, amount int64, reference, description string) (*InitiateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.PushRequests = append(c.PushRequests, MockPushRequest{
		Phone:     phone,
		Amount:    amount,
		Reference: reference,
	})

	if len(c.initiates) > 0 {
		s := c.initiates[0]
		c.initiates = c.initiates[1:]
		return s.result, s.err
	}

	return &InitiateResult{
		Accepted:          true,
		CheckoutRequestID: fmt.Sprintf("mock-checkout-%d", time.Now().UnixNano()),
		MerchantRequestID: fmt.Sprintf("mock-merchant-%d", time.Now().UnixNano()),
		Message:           "Success. Request accepted for processing",
	}, nil
}

func (c *MockClient) STKQuery(ctx context.Context, checkoutRequestID string) (*QueryResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.QueryRequests = append(c.QueryRequests, checkoutRequestID)

	if len(c.queries) > 0 {
		s := c.queries[0]
		c.queries = c.queries[1:]
		return s.result, s.err
	}

	return &QueryResult{
		Status:          QueryCompleted,
		TransactionCode: fmt.Sprintf("MOCK%d", time.Now().UnixNano()%1e8),
		ResultCode:      "0",
		ResultDesc:      "The service request is processed successfully.",
	}, nil
}
