package commerce

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/billfree-connect/api/internal/domain"
)

const customerGIDPrefix = "gid://shopify/Customer/"

// GraphQLLogger defines the logging contract for Admin API operations.
type GraphQLLogger func(ctx context.Context, event string, fields map[string]any)

// GraphQLConfig configures the GraphQLClient.
type GraphQLConfig struct {
	// EndpointTemplate expands shop domain and API version into the Admin
	// GraphQL URL, e.g. "https://%s/admin/api/%s/graphql.json".
	EndpointTemplate string
	APIVersion       string
	Timeout          time.Duration
	HTTPClient       *http.Client
	Logger           GraphQLLogger
}

// GraphQLClient implements PlatformClient against the Admin GraphQL API.
type GraphQLClient struct {
	endpointTemplate string
	apiVersion       string
	http             *http.Client
	logger           GraphQLLogger
}

// NewGraphQLClient constructs an Admin API client using the given configuration.
func NewGraphQLClient(cfg GraphQLConfig) (*GraphQLClient, error) {
	template := strings.TrimSpace(cfg.EndpointTemplate)
	if template == "" {
		return nil, errors.New("commerce: endpoint template is required")
	}
	version := strings.TrimSpace(cfg.APIVersion)
	if version == "" {
		return nil, errors.New("commerce: api version is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &GraphQLClient{
		endpointTemplate: template,
		apiVersion:       version,
		http:             httpClient,
		logger:           logger,
	}, nil
}

const customerPhoneQuery = `query customerPhone($id: ID!) {
  customer(id: $id) {
    id
    phone
  }
}`

// GetCustomerPhone implements PlatformClient.
func (c *GraphQLClient) GetCustomerPhone(ctx context.Context, creds Credentials, customerID string) (string, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return "", errors.New("commerce: customer id is required")
	}

	var result struct {
		Customer *struct {
			ID    string  `json:"id"`
			Phone *string `json:"phone"`
		} `json:"customer"`
	}
	err := c.execute(ctx, creds, customerPhoneQuery, map[string]any{
		"id": customerGID(customerID),
	}, &result)
	if err != nil {
		return "", err
	}

	if result.Customer == nil || result.Customer.Phone == nil {
		c.logger(ctx, "commerce.customer.no_phone", map[string]any{"customer_id": customerID})
		return "", nil
	}
	return strings.TrimSpace(*result.Customer.Phone), nil
}

const discountCodeCreateMutation = `mutation discountCodeBasicCreate($basicCodeDiscount: DiscountCodeBasicInput!) {
  discountCodeBasicCreate(basicCodeDiscount: $basicCodeDiscount) {
    codeDiscountNode {
      codeDiscount {
        ... on DiscountCodeBasic {
          codes(first: 1) {
            nodes {
              code
            }
          }
          endsAt
        }
      }
    }
    userErrors {
      field
      message
    }
  }
}`

// CreateDiscountCode implements PlatformClient.
func (c *GraphQLClient) CreateDiscountCode(ctx context.Context, creds Credentials, input DiscountCodeInput) (domain.DiscountCode, error) {
	if strings.TrimSpace(input.Code) == "" {
		return domain.DiscountCode{}, errors.New("commerce: discount code is required")
	}
	if !input.Amount.IsPositive() {
		return domain.DiscountCode{}, errors.New("commerce: discount amount must be positive")
	}

	variables := map[string]any{
		"basicCodeDiscount": map[string]any{
			"title":                  input.Title,
			"code":                   input.Code,
			"startsAt":               input.StartsAt.UTC().Format(time.RFC3339),
			"endsAt":                 input.EndsAt.UTC().Format(time.RFC3339),
			"usageLimit":             1,
			"appliesOncePerCustomer": true,
			"customerSelection": map[string]any{
				"customers": map[string]any{
					"add": []string{customerGID(input.CustomerID)},
				},
			},
			"customerGets": map[string]any{
				"value": map[string]any{
					"discountAmount": map[string]any{
						"amount":            input.Amount.MajorUnits(),
						"appliesOnEachItem": false,
					},
				},
				"items": map[string]any{
					"all": true,
				},
			},
		},
	}

	var result struct {
		DiscountCodeBasicCreate struct {
			CodeDiscountNode *struct {
				CodeDiscount struct {
					Codes struct {
						Nodes []struct {
							Code string `json:"code"`
						} `json:"nodes"`
					} `json:"codes"`
					EndsAt string `json:"endsAt"`
				} `json:"codeDiscount"`
			} `json:"codeDiscountNode"`
			UserErrors []struct {
				Field   []string `json:"field"`
				Message string   `json:"message"`
			} `json:"userErrors"`
		} `json:"discountCodeBasicCreate"`
	}
	err := c.execute(ctx, creds, discountCodeCreateMutation, variables, &result)
	if err != nil {
		return domain.DiscountCode{}, err
	}

	if userErrors := result.DiscountCodeBasicCreate.UserErrors; len(userErrors) > 0 {
		rejected := &PlatformRejectedError{Message: userErrors[0].Message}
		for _, ue := range userErrors {
			rejected.Fields = append(rejected.Fields, strings.Join(ue.Field, "."))
		}
		c.logger(ctx, "commerce.discount.rejected", map[string]any{"fields": rejected.Fields})
		return domain.DiscountCode{}, rejected
	}

	code := input.Code
	if node := result.DiscountCodeBasicCreate.CodeDiscountNode; node != nil && len(node.CodeDiscount.Codes.Nodes) > 0 {
		code = node.CodeDiscount.Codes.Nodes[0].Code
	}

	c.logger(ctx, "commerce.discount.created", map[string]any{"code": code})
	return domain.DiscountCode{
		Code:      code,
		Amount:    input.Amount,
		ExpiresAt: input.EndsAt.UTC(),
	}, nil
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphqlEnvelope struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (c *GraphQLClient) execute(ctx context.Context, creds Credentials, query string, variables map[string]any, out any) error {
	if !creds.Valid() {
		return errors.New("commerce: credentials are required")
	}

	body, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("commerce: encode request: %w", err)
	}

	endpoint := fmt.Sprintf(c.endpointTemplate, creds.Shop, c.apiVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("commerce: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Shopify-Access-Token", creds.AccessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger(ctx, "commerce.transport.failed", map[string]any{"error": err.Error()})
		return fmt.Errorf("%w: %v", ErrPlatformUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger(ctx, "commerce.transport.failed", map[string]any{"status": resp.StatusCode})
		return fmt.Errorf("%w: status %d", ErrPlatformUnavailable, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrPlatformUnavailable, err)
	}

	var envelope graphqlEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrPlatformUnavailable, err)
	}
	if len(envelope.Errors) > 0 {
		return &PlatformRejectedError{Message: envelope.Errors[0].Message}
	}
	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("%w: decode data: %v", ErrPlatformUnavailable, err)
		}
	}
	return nil
}

func customerGID(customerID string) string {
	customerID = strings.TrimSpace(customerID)
	if strings.HasPrefix(customerID, "gid://") {
		return customerID
	}
	return customerGIDPrefix + customerID
}
