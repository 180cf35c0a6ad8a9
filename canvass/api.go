package canvass

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// rest fallback for when the hub connection cannot be established
// same entity shapes as the hub, bearer auth, 401 refresh-once-then-logout

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R], 1)
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

type CanvassApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string
	auth   AuthService

	client *http.Client
}

func NewCanvassApi(ctx context.Context, apiUrl string, auth AuthService) *CanvassApi {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &CanvassApi{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: apiUrl,
		auth:   auth,
		client: defaultClient(),
	}
}

func (self *CanvassApi) Close() {
	self.cancel()
}

// args shared between the hub invokes and the rest fallback

type CreateBusinessArgs struct {
	Name            string         `json:"name"`
	Address         string         `json:"address"`
	Phone           string         `json:"phone,omitempty"`
	Email           string         `json:"email,omitempty"`
	Website         string         `json:"website,omitempty"`
	Notes           []string       `json:"notes,omitempty"`
	Latitude        float64        `json:"latitude"`
	Longitude       float64        `json:"longitude"`
	CompanyId       Id             `json:"companyId"`
	AssignedUserId  *Id            `json:"assignedUserId,omitempty"`
	Status          BusinessStatus `json:"status,omitempty"`
	LastContactDate *time.Time     `json:"lastContactDate,omitempty"`
}

// only the set fields are sent. the server returns the full entity
// and is authoritative for computed fields like `updatedAt`.
type UpdateBusinessArgs struct {
	Name            *string         `json:"name,omitempty"`
	Address         *string         `json:"address,omitempty"`
	Phone           *string         `json:"phone,omitempty"`
	Email           *string         `json:"email,omitempty"`
	Website         *string         `json:"website,omitempty"`
	Notes           []string        `json:"notes,omitempty"`
	Latitude        *float64        `json:"latitude,omitempty"`
	Longitude       *float64        `json:"longitude,omitempty"`
	Status          *BusinessStatus `json:"status,omitempty"`
	LastContactDate *time.Time      `json:"lastContactDate,omitempty"`
}

type CreateCompanyArgs struct {
	Name    string `json:"name"`
	PinIcon string `json:"pinIcon"`
	Color   string `json:"color"`
}

type UpdateCompanyArgs struct {
	Name    *string `json:"name,omitempty"`
	PinIcon *string `json:"pinIcon,omitempty"`
	Color   *string `json:"color,omitempty"`
}

type CreateUserArgs struct {
	Email         string   `json:"email"`
	Username      string   `json:"username"`
	FirstName     string   `json:"firstName"`
	LastName      string   `json:"lastName"`
	Role          UserRole `json:"role"`
	CompanyId     *Id      `json:"companyId,omitempty"`
	CanManagePins bool     `json:"canManagePins"`
}

type UpdateUserArgs struct {
	Email         *string   `json:"email,omitempty"`
	Username      *string   `json:"username,omitempty"`
	FirstName     *string   `json:"firstName,omitempty"`
	LastName      *string   `json:"lastName,omitempty"`
	Role          *UserRole `json:"role,omitempty"`
	CompanyId     *Id       `json:"companyId,omitempty"`
	IsActive      *bool     `json:"isActive,omitempty"`
	CanManagePins *bool     `json:"canManagePins,omitempty"`
	IsApproved    *bool     `json:"isApproved,omitempty"`
}

type GetAllBusinessesCallback = apiCallback[[]*Business]
type GetAllCompaniesCallback = apiCallback[[]*Company]
type GetAllUsersCallback = apiCallback[[]*User]

func (self *CanvassApi) GetAllBusinesses(callback GetAllBusinessesCallback) {
	go func() {
		result, err := self.GetAllBusinessesSync(self.ctx)
		callback.Result(result, err)
	}()
}

func (self *CanvassApi) GetAllBusinessesSync(ctx context.Context) ([]*Business, error) {
	return request[[]*Business](ctx, self, "GET", fmt.Sprintf("%s/businesses", self.apiUrl), nil)
}

func (self *CanvassApi) GetBusinessesByCompanySync(ctx context.Context, companyId Id) ([]*Business, error) {
	return request[[]*Business](ctx, self, "GET", fmt.Sprintf("%s/businesses/company/%s", self.apiUrl, companyId), nil)
}

func (self *CanvassApi) GetBusinessesByAssignedUserSync(ctx context.Context, userId Id) ([]*Business, error) {
	return request[[]*Business](ctx, self, "GET", fmt.Sprintf("%s/businesses/assigned/%s", self.apiUrl, userId), nil)
}

func (self *CanvassApi) CreateBusinessSync(ctx context.Context, createBusiness *CreateBusinessArgs) (*Business, error) {
	return request[*Business](ctx, self, "POST", fmt.Sprintf("%s/businesses", self.apiUrl), createBusiness)
}

func (self *CanvassApi) UpdateBusinessSync(ctx context.Context, businessId Id, updateBusiness *UpdateBusinessArgs) (*Business, error) {
	return request[*Business](ctx, self, "PUT", fmt.Sprintf("%s/businesses/%s", self.apiUrl, businessId), updateBusiness)
}

func (self *CanvassApi) DeleteBusinessSync(ctx context.Context, businessId Id) error {
	_, err := request[json.RawMessage](ctx, self, "DELETE", fmt.Sprintf("%s/businesses/%s", self.apiUrl, businessId), nil)
	return err
}

func (self *CanvassApi) GetAllCompanies(callback GetAllCompaniesCallback) {
	go func() {
		result, err := self.GetAllCompaniesSync(self.ctx)
		callback.Result(result, err)
	}()
}

func (self *CanvassApi) GetAllCompaniesSync(ctx context.Context) ([]*Company, error) {
	return request[[]*Company](ctx, self, "GET", fmt.Sprintf("%s/companies", self.apiUrl), nil)
}

func (self *CanvassApi) CreateCompanySync(ctx context.Context, createCompany *CreateCompanyArgs) (*Company, error) {
	return request[*Company](ctx, self, "POST", fmt.Sprintf("%s/companies", self.apiUrl), createCompany)
}

func (self *CanvassApi) UpdateCompanySync(ctx context.Context, companyId Id, updateCompany *UpdateCompanyArgs) (*Company, error) {
	return request[*Company](ctx, self, "PUT", fmt.Sprintf("%s/companies/%s", self.apiUrl, companyId), updateCompany)
}

func (self *CanvassApi) DeleteCompanySync(ctx context.Context, companyId Id) error {
	_, err := request[json.RawMessage](ctx, self, "DELETE", fmt.Sprintf("%s/companies/%s", self.apiUrl, companyId), nil)
	return err
}

func (self *CanvassApi) GetAllUsers(callback GetAllUsersCallback) {
	go func() {
		result, err := self.GetAllUsersSync(self.ctx)
		callback.Result(result, err)
	}()
}

func (self *CanvassApi) GetAllUsersSync(ctx context.Context) ([]*User, error) {
	return request[[]*User](ctx, self, "GET", fmt.Sprintf("%s/users", self.apiUrl), nil)
}

func (self *CanvassApi) CreateUserSync(ctx context.Context, createUser *CreateUserArgs) (*User, error) {
	return request[*User](ctx, self, "POST", fmt.Sprintf("%s/users", self.apiUrl), createUser)
}

func (self *CanvassApi) UpdateUserSync(ctx context.Context, userId Id, updateUser *UpdateUserArgs) (*User, error) {
	return request[*User](ctx, self, "PUT", fmt.Sprintf("%s/users/%s", self.apiUrl, userId), updateUser)
}

func (self *CanvassApi) DeleteUserSync(ctx context.Context, userId Id) error {
	_, err := request[json.RawMessage](ctx, self, "DELETE", fmt.Sprintf("%s/users/%s", self.apiUrl, userId), nil)
	return err
}

type assignUserArgs struct {
	UserId Id `json:"userId"`
}

func (self *CanvassApi) AssignBusinessSync(ctx context.Context, businessId Id, userId Id) (*Business, error) {
	return request[*Business](ctx, self, "POST", fmt.Sprintf("%s/businesses/%s/assign", self.apiUrl, businessId), &assignUserArgs{UserId: userId})
}

func (self *CanvassApi) UnassignBusinessSync(ctx context.Context, businessId Id) (*Business, error) {
	return request[*Business](ctx, self, "POST", fmt.Sprintf("%s/businesses/%s/unassign", self.apiUrl, businessId), nil)
}

// user registration workflow

func (self *CanvassApi) GetPendingUsersSync(ctx context.Context) ([]*User, error) {
	return request[[]*User](ctx, self, "GET", fmt.Sprintf("%s/users/pending", self.apiUrl), nil)
}

func (self *CanvassApi) ApproveUserSync(ctx context.Context, userId Id) (*User, error) {
	return request[*User](ctx, self, "POST", fmt.Sprintf("%s/users/%s/approve", self.apiUrl, userId), nil)
}

func (self *CanvassApi) RejectUserSync(ctx context.Context, userId Id) error {
	_, err := request[json.RawMessage](ctx, self, "POST", fmt.Sprintf("%s/users/%s/reject", self.apiUrl, userId), nil)
	return err
}

// request runs one rest call with the bearer header.
// a 401 triggers one token refresh and one retry, then a forced logout.
func request[R any](ctx context.Context, api *CanvassApi, method string, url string, args any) (R, error) {
	var empty R

	statusCode, result, err := requestOnce[R](ctx, api, method, url, args)
	if err != nil {
		return empty, err
	}
	if statusCode == http.StatusUnauthorized {
		if _, err := api.auth.RefreshToken(ctx); err != nil {
			api.auth.Logout(ctx)
			return empty, ErrAuthRequired
		}
		statusCode, result, err = requestOnce[R](ctx, api, method, url, args)
		if err != nil {
			return empty, err
		}
		if statusCode == http.StatusUnauthorized {
			api.auth.Logout(ctx)
			return empty, ErrAuthRequired
		}
	}
	return result, nil
}

func requestOnce[R any](ctx context.Context, api *CanvassApi, method string, url string, args any) (int, R, error) {
	var empty R

	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			return 0, empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		return 0, empty, err
	}

	req.Header.Add("Content-Type", "application/json")

	if auth, err := api.auth.AuthHeader(ctx); err == nil && auth != "" {
		req.Header.Add("Authorization", auth)
	}

	r, err := api.client.Do(req)
	if err != nil {
		return 0, empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		return r.StatusCode, empty, err
	}

	if r.StatusCode == http.StatusUnauthorized {
		return r.StatusCode, empty, nil
	}

	if r.StatusCode != http.StatusOK && r.StatusCode != http.StatusCreated && r.StatusCode != http.StatusNoContent {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		return r.StatusCode, empty, errors.New(errorMessage)
	}

	var result R
	if len(responseBodyBytes) == 0 {
		return r.StatusCode, empty, nil
	}
	if err := json.Unmarshal(responseBodyBytes, &result); err != nil {
		return r.StatusCode, empty, err
	}
	return r.StatusCode, result, nil
}
