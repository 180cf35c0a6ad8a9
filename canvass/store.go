package canvass

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// the single in-memory source of truth for entity collections and
// ui selection state. three sources merge into the cache:
// local calls, rpc results, and events pushed for other clients' changes.
// merge is replace-by-id, so applying the same event twice is a no-op.

type StoreTopic string

const (
	TopicCompanies       StoreTopic = "companies"
	TopicBusinesses      StoreTopic = "businesses"
	TopicUsers           StoreTopic = "users"
	TopicSelectedCompany StoreTopic = "selectedCompany"
	TopicSelectedUser    StoreTopic = "selectedUser"
	TopicSelectedManager StoreTopic = "selectedManager"
)

// a point-in-time snapshot. slices are copies and safe to retain.
type StoreState struct {
	Companies  []*Company
	Businesses []*Business
	Users      []*User

	// selections may dangle after a concurrent delete. null-check before use.
	SelectedCompany *Company
	SelectedUser    *User
	SelectedManager *User

	Loading bool
}

type StoreUpdate struct {
	Topic StoreTopic
	State *StoreState
}

type StoreUpdateFunction = func(update *StoreUpdate)

// id-keyed collection that preserves insertion order
type entityCache[E any] struct {
	entityId func(E) Id
	order    []Id
	entities map[Id]E
}

func newEntityCache[E any](entityId func(E) Id) *entityCache[E] {
	return &entityCache[E]{
		entityId: entityId,
		entities: map[Id]E{},
	}
}

func (self *entityCache[E]) merge(entity E) {
	id := self.entityId(entity)
	if _, ok := self.entities[id]; !ok {
		self.order = append(self.order, id)
	}
	self.entities[id] = entity
}

func (self *entityCache[E]) remove(id Id) bool {
	if _, ok := self.entities[id]; !ok {
		return false
	}
	delete(self.entities, id)
	for i, orderId := range self.order {
		if orderId == id {
			self.order = append(self.order[:i], self.order[i+1:]...)
			break
		}
	}
	return true
}

func (self *entityCache[E]) replaceAll(entities []E) {
	self.clear()
	for _, entity := range entities {
		self.merge(entity)
	}
}

func (self *entityCache[E]) get(id Id) (E, bool) {
	entity, ok := self.entities[id]
	return entity, ok
}

func (self *entityCache[E]) values() []E {
	values := make([]E, 0, len(self.order))
	for _, id := range self.order {
		values = append(values, self.entities[id])
	}
	return values
}

func (self *entityCache[E]) len() int {
	return len(self.entities)
}

func (self *entityCache[E]) clear() {
	self.order = self.order[:0]
	maps.Clear(self.entities)
}

type entityIdArgs struct {
	Id Id `json:"id"`
}

type assignBusinessArgs struct {
	BusinessId Id `json:"businessId"`
	UserId     Id `json:"userId"`
}

type unassignBusinessArgs struct {
	BusinessId Id `json:"businessId"`
}

func invokeResult[R any](ctx context.Context, connection *ConnectionManager, method string, args ...any) (R, error) {
	var empty R
	raw, err := connection.Invoke(ctx, method, args...)
	if err != nil {
		return empty, err
	}
	if len(raw) == 0 {
		return empty, nil
	}
	var result R
	if err := json.Unmarshal(raw, &result); err != nil {
		return empty, err
	}
	return result, nil
}

type DataStore struct {
	ctx    context.Context
	cancel context.CancelFunc

	connection *ConnectionManager
	api        *CanvassApi
	storage    Storage

	stateLock  sync.Mutex
	companies  *entityCache[*Company]
	businesses *entityCache[*Business]
	users      *entityCache[*User]

	selectedCompany *Company
	selectedUser    *User
	selectedManager *User

	loading bool

	updateCallbacks *CallbackList[StoreUpdateFunction]

	unsubs []func()
}

func NewDataStore(
	ctx context.Context,
	connection *ConnectionManager,
	api *CanvassApi,
	storage Storage,
) *DataStore {
	cancelCtx, cancel := context.WithCancel(ctx)
	store := &DataStore{
		ctx:        cancelCtx,
		cancel:     cancel,
		connection: connection,
		api:        api,
		storage:    storage,
		companies:  newEntityCache[*Company]((*Company).EntityId),
		businesses: newEntityCache[*Business]((*Business).EntityId),
		users:      newEntityCache[*User]((*User).EntityId),

		updateCallbacks: NewCallbackList[StoreUpdateFunction](),
	}
	store.restoreSelections()
	store.registerEventHandlers()
	return store
}

// Close removes the hub event handlers. The cache is left intact.
func (self *DataStore) Close() {
	self.cancel()
	for _, unsub := range self.unsubs {
		unsub()
	}
	self.unsubs = nil
}

// Subscribe registers a state change callback and returns a function
// that removes exactly that callback.
func (self *DataStore) Subscribe(callback StoreUpdateFunction) func() {
	callbackId := self.updateCallbacks.Add(callback)
	return func() {
		self.updateCallbacks.Remove(callbackId)
	}
}

func (self *DataStore) GetState() *StoreState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.stateLocked()
}

func (self *DataStore) stateLocked() *StoreState {
	return &StoreState{
		Companies:       self.companies.values(),
		Businesses:      self.businesses.values(),
		Users:           self.users.values(),
		SelectedCompany: self.selectedCompany,
		SelectedUser:    self.selectedUser,
		SelectedManager: self.selectedManager,
		Loading:         self.loading,
	}
}

func (self *DataStore) notify(topic StoreTopic) {
	state := self.GetState()
	update := &StoreUpdate{
		Topic: topic,
		State: state,
	}
	for _, callback := range self.updateCallbacks.Get() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					glog.Errorf("[store]update callback panic = %s\n", r)
				}
			}()
			callback(update)
		}()
	}
}

// selections survive app restart. the full entity is persisted so the
// selection can be restored before the first load completes.
func (self *DataStore) restoreSelections() {
	company := &Company{}
	if ok, err := self.storage.Get(storageKeySelectedCompany, company); err == nil && ok {
		self.selectedCompany = company
	}
	user := &User{}
	if ok, err := self.storage.Get(storageKeySelectedUser, user); err == nil && ok {
		self.selectedUser = user
	}
	manager := &User{}
	if ok, err := self.storage.Get(storageKeySelectedManager, manager); err == nil && ok {
		self.selectedManager = manager
	}
}

func (self *DataStore) registerEventHandlers() {
	entityEvents := []EventName{
		EventBusinessCreated, EventBusinessUpdated, EventBusinessDeleted,
		EventCompanyCreated, EventCompanyUpdated, EventCompanyDeleted,
		EventUserCreated, EventUserUpdated, EventUserDeleted,
	}
	for _, event := range entityEvents {
		self.unsubs = append(self.unsubs, self.connection.On(event, self.handleHubEvent))
	}
	self.unsubs = append(self.unsubs, self.connection.On(EventReconnected, self.handleReconnected))
}

// handleHubEvent merges a change pushed for another client's mutation.
// same merge/remove path as the local success paths, so replays are no-ops.
func (self *DataStore) handleHubEvent(event *HubEvent) {
	payload, err := event.Decode()
	if err != nil {
		glog.Infof("[store]bad event %s = %s\n", event.Name, err)
		return
	}
	switch event.Name {
	case EventBusinessCreated, EventBusinessUpdated:
		self.mergeBusiness(payload.Business)
	case EventBusinessDeleted:
		self.removeBusiness(payload.Deleted.Id)
	case EventCompanyCreated, EventCompanyUpdated:
		self.mergeCompany(payload.Company)
	case EventCompanyDeleted:
		self.removeCompany(payload.Deleted.Id)
	case EventUserCreated, EventUserUpdated:
		self.mergeUser(payload.User)
	case EventUserDeleted:
		self.removeUser(payload.Deleted.Id)
	}
}

// handleReconnected re-establishes group scope and reconciles any
// events missed while the connection was down.
func (self *DataStore) handleReconnected(event *HubEvent) {
	self.stateLock.Lock()
	company := self.selectedCompany
	self.stateLock.Unlock()

	go func() {
		if company != nil {
			if err := self.connection.JoinCompanyGroup(self.ctx, company.Id); err != nil {
				glog.V(1).Infof("[store]rejoin company group error = %s\n", err)
			}
		}
		if err := self.SyncAll(self.ctx); err != nil {
			glog.V(1).Infof("[store]resync error = %s\n", err)
		}
	}()
}

func (self *DataStore) setLoading(loading bool) {
	self.stateLock.Lock()
	self.loading = loading
	self.stateLock.Unlock()
}

// companies

func (self *DataStore) LoadCompanies(ctx context.Context, forceRefresh bool) ([]*Company, error) {
	self.stateLock.Lock()
	if !forceRefresh && 0 < self.companies.len() {
		companies := self.companies.values()
		self.stateLock.Unlock()
		return companies, nil
	}
	self.loading = true
	self.stateLock.Unlock()

	companies, err := self.fetchCompanies(ctx)
	if err != nil {
		snapshot := []*Company{}
		if ok, serr := self.storage.Get(storageKeyCompanies, &snapshot); serr != nil || !ok {
			self.setLoading(false)
			return nil, err
		}
		glog.V(1).Infof("[store]companies from offline snapshot\n")
		self.replaceCompanies(snapshot, false)
		return snapshot, nil
	}
	self.replaceCompanies(companies, true)
	return companies, nil
}

func (self *DataStore) fetchCompanies(ctx context.Context) ([]*Company, error) {
	if self.connection.State().IsConnected() {
		companies, err := invokeResult[[]*Company](ctx, self.connection, "GetAllCompanies")
		if err == nil {
			return companies, nil
		}
		glog.V(1).Infof("[store]GetAllCompanies error = %s\n", err)
	}
	return self.api.GetAllCompaniesSync(ctx)
}

// wholesale replace. intentionally supersedes any concurrently in-flight
// single-entity merge for this collection.
func (self *DataStore) replaceCompanies(companies []*Company, persist bool) {
	self.stateLock.Lock()
	self.companies.replaceAll(companies)
	self.loading = false
	self.stateLock.Unlock()

	if persist {
		if err := self.storage.Set(storageKeyCompanies, companies); err != nil {
			glog.Infof("[store]persist companies error = %s\n", err)
		}
	}
	self.notify(TopicCompanies)
}

func (self *DataStore) CreateCompany(ctx context.Context, createCompany *CreateCompanyArgs) (*Company, error) {
	company, err := self.remoteCreateCompany(ctx, createCompany)
	if err != nil {
		return nil, err
	}
	self.mergeCompany(company)
	return company, nil
}

func (self *DataStore) remoteCreateCompany(ctx context.Context, createCompany *CreateCompanyArgs) (*Company, error) {
	if self.connection.State().IsConnected() {
		company, err := invokeResult[*Company](ctx, self.connection, "CreateCompany", createCompany)
		if err == nil {
			return company, nil
		}
		glog.V(1).Infof("[store]CreateCompany error = %s\n", err)
	}
	return self.api.CreateCompanySync(ctx, createCompany)
}

func (self *DataStore) UpdateCompany(ctx context.Context, companyId Id, updateCompany *UpdateCompanyArgs) (*Company, error) {
	company, err := self.remoteUpdateCompany(ctx, companyId, updateCompany)
	if err != nil {
		return nil, err
	}
	self.mergeCompany(company)
	return company, nil
}

func (self *DataStore) remoteUpdateCompany(ctx context.Context, companyId Id, updateCompany *UpdateCompanyArgs) (*Company, error) {
	if self.connection.State().IsConnected() {
		company, err := invokeResult[*Company](ctx, self.connection, "UpdateCompany", &entityIdArgs{Id: companyId}, updateCompany)
		if err == nil {
			return company, nil
		}
		glog.V(1).Infof("[store]UpdateCompany error = %s\n", err)
	}
	return self.api.UpdateCompanySync(ctx, companyId, updateCompany)
}

func (self *DataStore) DeleteCompany(ctx context.Context, companyId Id) (bool, error) {
	err := self.remoteDeleteCompany(ctx, companyId)
	if err != nil {
		return false, err
	}
	self.removeCompany(companyId)
	return true, nil
}

func (self *DataStore) remoteDeleteCompany(ctx context.Context, companyId Id) error {
	if self.connection.State().IsConnected() {
		_, err := self.connection.Invoke(ctx, "DeleteCompany", &entityIdArgs{Id: companyId})
		if err == nil {
			return nil
		}
		glog.V(1).Infof("[store]DeleteCompany error = %s\n", err)
	}
	return self.api.DeleteCompanySync(ctx, companyId)
}

func (self *DataStore) mergeCompany(company *Company) {
	self.stateLock.Lock()
	self.companies.merge(company)
	// keep the selection pointing at the latest value
	if self.selectedCompany != nil && self.selectedCompany.Id == company.Id {
		self.selectedCompany = company
	}
	self.stateLock.Unlock()
	self.notify(TopicCompanies)
}

func (self *DataStore) removeCompany(companyId Id) {
	self.stateLock.Lock()
	removed := self.companies.remove(companyId)
	selectionCleared := false
	if self.selectedCompany != nil && self.selectedCompany.Id == companyId {
		self.selectedCompany = nil
		selectionCleared = true
	}
	self.stateLock.Unlock()

	if !removed && !selectionCleared {
		return
	}
	if selectionCleared {
		if err := self.storage.Remove(storageKeySelectedCompany); err != nil {
			glog.Infof("[store]clear selected company error = %s\n", err)
		}
		self.connection.LeaveCompanyGroup(self.ctx, companyId)
		self.notify(TopicSelectedCompany)
	}
	self.notify(TopicCompanies)
}

func (self *DataStore) GetCompany(companyId Id) (*Company, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.companies.get(companyId)
}

// businesses

func (self *DataStore) LoadBusinesses(ctx context.Context, forceRefresh bool) ([]*Business, error) {
	self.stateLock.Lock()
	if !forceRefresh && 0 < self.businesses.len() {
		businesses := self.businesses.values()
		self.stateLock.Unlock()
		return businesses, nil
	}
	self.loading = true
	self.stateLock.Unlock()

	businesses, err := self.fetchBusinesses(ctx)
	if err != nil {
		snapshot := []*Business{}
		if ok, serr := self.storage.Get(storageKeyBusinesses, &snapshot); serr != nil || !ok {
			self.setLoading(false)
			return nil, err
		}
		glog.V(1).Infof("[store]businesses from offline snapshot\n")
		self.replaceBusinesses(snapshot, false)
		return snapshot, nil
	}
	self.replaceBusinesses(businesses, true)
	return businesses, nil
}

func (self *DataStore) fetchBusinesses(ctx context.Context) ([]*Business, error) {
	if self.connection.State().IsConnected() {
		businesses, err := invokeResult[[]*Business](ctx, self.connection, "GetAllBusinesses")
		if err == nil {
			return businesses, nil
		}
		glog.V(1).Infof("[store]GetAllBusinesses error = %s\n", err)
	}
	return self.api.GetAllBusinessesSync(ctx)
}

func (self *DataStore) replaceBusinesses(businesses []*Business, persist bool) {
	self.stateLock.Lock()
	self.businesses.replaceAll(businesses)
	self.loading = false
	self.stateLock.Unlock()

	if persist {
		if err := self.storage.Set(storageKeyBusinesses, businesses); err != nil {
			glog.Infof("[store]persist businesses error = %s\n", err)
		}
	}
	self.notify(TopicBusinesses)
}

func (self *DataStore) CreateBusiness(ctx context.Context, createBusiness *CreateBusinessArgs) (*Business, error) {
	business, err := self.remoteCreateBusiness(ctx, createBusiness)
	if err != nil {
		return nil, err
	}
	self.mergeBusiness(business)
	return business, nil
}

func (self *DataStore) remoteCreateBusiness(ctx context.Context, createBusiness *CreateBusinessArgs) (*Business, error) {
	if self.connection.State().IsConnected() {
		business, err := invokeResult[*Business](ctx, self.connection, "CreateBusiness", createBusiness)
		if err == nil {
			return business, nil
		}
		glog.V(1).Infof("[store]CreateBusiness error = %s\n", err)
	}
	return self.api.CreateBusinessSync(ctx, createBusiness)
}

func (self *DataStore) UpdateBusiness(ctx context.Context, businessId Id, updateBusiness *UpdateBusinessArgs) (*Business, error) {
	business, err := self.remoteUpdateBusiness(ctx, businessId, updateBusiness)
	if err != nil {
		return nil, err
	}
	self.mergeBusiness(business)
	return business, nil
}

func (self *DataStore) remoteUpdateBusiness(ctx context.Context, businessId Id, updateBusiness *UpdateBusinessArgs) (*Business, error) {
	if self.connection.State().IsConnected() {
		business, err := invokeResult[*Business](ctx, self.connection, "UpdateBusiness", &entityIdArgs{Id: businessId}, updateBusiness)
		if err == nil {
			return business, nil
		}
		glog.V(1).Infof("[store]UpdateBusiness error = %s\n", err)
	}
	return self.api.UpdateBusinessSync(ctx, businessId, updateBusiness)
}

func (self *DataStore) DeleteBusiness(ctx context.Context, businessId Id) (bool, error) {
	err := self.remoteDeleteBusiness(ctx, businessId)
	if err != nil {
		return false, err
	}
	self.removeBusiness(businessId)
	return true, nil
}

func (self *DataStore) remoteDeleteBusiness(ctx context.Context, businessId Id) error {
	if self.connection.State().IsConnected() {
		_, err := self.connection.Invoke(ctx, "DeleteBusiness", &entityIdArgs{Id: businessId})
		if err == nil {
			return nil
		}
		glog.V(1).Infof("[store]DeleteBusiness error = %s\n", err)
	}
	return self.api.DeleteBusinessSync(ctx, businessId)
}

// AssignBusinessToUser is a specialized update that sets `assignedUserId`.
// the caller contract is that the user's company matches the business's.
func (self *DataStore) AssignBusinessToUser(ctx context.Context, businessId Id, userId Id) (*Business, error) {
	business, err := self.remoteAssignBusiness(ctx, businessId, userId)
	if err != nil {
		return nil, err
	}
	self.mergeBusiness(business)
	return business, nil
}

func (self *DataStore) remoteAssignBusiness(ctx context.Context, businessId Id, userId Id) (*Business, error) {
	if self.connection.State().IsConnected() {
		business, err := invokeResult[*Business](ctx, self.connection, "AssignBusinessToUser", &assignBusinessArgs{
			BusinessId: businessId,
			UserId:     userId,
		})
		if err == nil {
			return business, nil
		}
		glog.V(1).Infof("[store]AssignBusinessToUser error = %s\n", err)
	}
	return self.api.AssignBusinessSync(ctx, businessId, userId)
}

func (self *DataStore) UnassignBusinessFromUser(ctx context.Context, businessId Id) (*Business, error) {
	business, err := self.remoteUnassignBusiness(ctx, businessId)
	if err != nil {
		return nil, err
	}
	self.mergeBusiness(business)
	return business, nil
}

func (self *DataStore) remoteUnassignBusiness(ctx context.Context, businessId Id) (*Business, error) {
	if self.connection.State().IsConnected() {
		business, err := invokeResult[*Business](ctx, self.connection, "UnassignBusinessFromUser", &unassignBusinessArgs{
			BusinessId: businessId,
		})
		if err == nil {
			return business, nil
		}
		glog.V(1).Infof("[store]UnassignBusinessFromUser error = %s\n", err)
	}
	return self.api.UnassignBusinessSync(ctx, businessId)
}

func (self *DataStore) mergeBusiness(business *Business) {
	self.stateLock.Lock()
	self.businesses.merge(business)
	self.stateLock.Unlock()
	self.notify(TopicBusinesses)
}

func (self *DataStore) removeBusiness(businessId Id) {
	self.stateLock.Lock()
	removed := self.businesses.remove(businessId)
	self.stateLock.Unlock()

	if removed {
		self.notify(TopicBusinesses)
	}
}

func (self *DataStore) GetBusiness(businessId Id) (*Business, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.businesses.get(businessId)
}

func (self *DataStore) GetBusinessesByCompany(companyId Id) []*Business {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	businesses := []*Business{}
	for _, business := range self.businesses.values() {
		if business.CompanyId == companyId {
			businesses = append(businesses, business)
		}
	}
	return businesses
}

func (self *DataStore) GetBusinessesByAssignedUser(userId Id) []*Business {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	businesses := []*Business{}
	for _, business := range self.businesses.values() {
		if business.AssignedUserId != nil && *business.AssignedUserId == userId {
			businesses = append(businesses, business)
		}
	}
	return businesses
}

// users

func (self *DataStore) LoadUsers(ctx context.Context, forceRefresh bool) ([]*User, error) {
	self.stateLock.Lock()
	if !forceRefresh && 0 < self.users.len() {
		users := self.users.values()
		self.stateLock.Unlock()
		return users, nil
	}
	self.loading = true
	self.stateLock.Unlock()

	users, err := self.fetchUsers(ctx)
	if err != nil {
		snapshot := []*User{}
		if ok, serr := self.storage.Get(storageKeyUsers, &snapshot); serr != nil || !ok {
			self.setLoading(false)
			return nil, err
		}
		glog.V(1).Infof("[store]users from offline snapshot\n")
		self.replaceUsers(snapshot, false)
		return snapshot, nil
	}
	self.replaceUsers(users, true)
	return users, nil
}

func (self *DataStore) fetchUsers(ctx context.Context) ([]*User, error) {
	if self.connection.State().IsConnected() {
		users, err := invokeResult[[]*User](ctx, self.connection, "GetAllUsers")
		if err == nil {
			return users, nil
		}
		glog.V(1).Infof("[store]GetAllUsers error = %s\n", err)
	}
	return self.api.GetAllUsersSync(ctx)
}

func (self *DataStore) replaceUsers(users []*User, persist bool) {
	self.stateLock.Lock()
	self.users.replaceAll(users)
	self.loading = false
	self.stateLock.Unlock()

	if persist {
		if err := self.storage.Set(storageKeyUsers, users); err != nil {
			glog.Infof("[store]persist users error = %s\n", err)
		}
	}
	self.notify(TopicUsers)
}

func (self *DataStore) CreateUser(ctx context.Context, createUser *CreateUserArgs) (*User, error) {
	user, err := self.remoteCreateUser(ctx, createUser)
	if err != nil {
		return nil, err
	}
	self.mergeUser(user)
	return user, nil
}

func (self *DataStore) remoteCreateUser(ctx context.Context, createUser *CreateUserArgs) (*User, error) {
	if self.connection.State().IsConnected() {
		user, err := invokeResult[*User](ctx, self.connection, "CreateUser", createUser)
		if err == nil {
			return user, nil
		}
		glog.V(1).Infof("[store]CreateUser error = %s\n", err)
	}
	return self.api.CreateUserSync(ctx, createUser)
}

func (self *DataStore) UpdateUser(ctx context.Context, userId Id, updateUser *UpdateUserArgs) (*User, error) {
	user, err := self.remoteUpdateUser(ctx, userId, updateUser)
	if err != nil {
		return nil, err
	}
	self.mergeUser(user)
	return user, nil
}

func (self *DataStore) remoteUpdateUser(ctx context.Context, userId Id, updateUser *UpdateUserArgs) (*User, error) {
	if self.connection.State().IsConnected() {
		user, err := invokeResult[*User](ctx, self.connection, "UpdateUser", &entityIdArgs{Id: userId}, updateUser)
		if err == nil {
			return user, nil
		}
		glog.V(1).Infof("[store]UpdateUser error = %s\n", err)
	}
	return self.api.UpdateUserSync(ctx, userId, updateUser)
}

func (self *DataStore) DeleteUser(ctx context.Context, userId Id) (bool, error) {
	err := self.remoteDeleteUser(ctx, userId)
	if err != nil {
		return false, err
	}
	self.removeUser(userId)
	return true, nil
}

func (self *DataStore) remoteDeleteUser(ctx context.Context, userId Id) error {
	if self.connection.State().IsConnected() {
		_, err := self.connection.Invoke(ctx, "DeleteUser", &entityIdArgs{Id: userId})
		if err == nil {
			return nil
		}
		glog.V(1).Infof("[store]DeleteUser error = %s\n", err)
	}
	return self.api.DeleteUserSync(ctx, userId)
}

func (self *DataStore) mergeUser(user *User) {
	self.stateLock.Lock()
	self.users.merge(user)
	if self.selectedUser != nil && self.selectedUser.Id == user.Id {
		self.selectedUser = user
	}
	if self.selectedManager != nil && self.selectedManager.Id == user.Id {
		self.selectedManager = user
	}
	self.stateLock.Unlock()
	self.notify(TopicUsers)
}

func (self *DataStore) removeUser(userId Id) {
	self.stateLock.Lock()
	removed := self.users.remove(userId)
	userCleared := false
	managerCleared := false
	if self.selectedUser != nil && self.selectedUser.Id == userId {
		self.selectedUser = nil
		userCleared = true
	}
	if self.selectedManager != nil && self.selectedManager.Id == userId {
		self.selectedManager = nil
		managerCleared = true
	}
	self.stateLock.Unlock()

	if !removed && !userCleared && !managerCleared {
		return
	}
	if userCleared {
		if err := self.storage.Remove(storageKeySelectedUser); err != nil {
			glog.Infof("[store]clear selected user error = %s\n", err)
		}
		self.notify(TopicSelectedUser)
	}
	if managerCleared {
		if err := self.storage.Remove(storageKeySelectedManager); err != nil {
			glog.Infof("[store]clear selected manager error = %s\n", err)
		}
		self.notify(TopicSelectedManager)
	}
	self.notify(TopicUsers)
}

func (self *DataStore) GetUser(userId Id) (*User, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.users.get(userId)
}

func (self *DataStore) GetUsersByRole(role UserRole) []*User {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	users := []*User{}
	for _, user := range self.users.values() {
		if user.Role == role {
			users = append(users, user)
		}
	}
	return users
}

func (self *DataStore) GetUsersByCompany(companyId Id) []*User {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	users := []*User{}
	for _, user := range self.users.values() {
		if user.CompanyId != nil && *user.CompanyId == companyId {
			users = append(users, user)
		}
	}
	return users
}

// selections

// SetSelectedCompany persists the selection and rescopes the company
// broadcast group so pushed events track the newly relevant company.
func (self *DataStore) SetSelectedCompany(ctx context.Context, company *Company) {
	self.stateLock.Lock()
	previous := self.selectedCompany
	self.selectedCompany = company
	self.stateLock.Unlock()

	if company == nil {
		if err := self.storage.Remove(storageKeySelectedCompany); err != nil {
			glog.Infof("[store]clear selected company error = %s\n", err)
		}
	} else {
		if err := self.storage.Set(storageKeySelectedCompany, company); err != nil {
			glog.Infof("[store]persist selected company error = %s\n", err)
		}
	}

	if previous != nil && (company == nil || previous.Id != company.Id) {
		if err := self.connection.LeaveCompanyGroup(ctx, previous.Id); err != nil {
			glog.V(1).Infof("[store]leave company group error = %s\n", err)
		}
	}
	if company != nil && (previous == nil || previous.Id != company.Id) {
		if err := self.connection.JoinCompanyGroup(ctx, company.Id); err != nil {
			glog.V(1).Infof("[store]join company group error = %s\n", err)
		}
	}

	self.notify(TopicSelectedCompany)
}

func (self *DataStore) SetSelectedUser(ctx context.Context, user *User) {
	self.stateLock.Lock()
	self.selectedUser = user
	self.stateLock.Unlock()

	if user == nil {
		if err := self.storage.Remove(storageKeySelectedUser); err != nil {
			glog.Infof("[store]clear selected user error = %s\n", err)
		}
	} else {
		if err := self.storage.Set(storageKeySelectedUser, user); err != nil {
			glog.Infof("[store]persist selected user error = %s\n", err)
		}
	}
	self.notify(TopicSelectedUser)
}

func (self *DataStore) SetSelectedManager(ctx context.Context, manager *User) {
	self.stateLock.Lock()
	self.selectedManager = manager
	self.stateLock.Unlock()

	if manager == nil {
		if err := self.storage.Remove(storageKeySelectedManager); err != nil {
			glog.Infof("[store]clear selected manager error = %s\n", err)
		}
	} else {
		if err := self.storage.Set(storageKeySelectedManager, manager); err != nil {
			glog.Infof("[store]persist selected manager error = %s\n", err)
		}
	}
	self.notify(TopicSelectedManager)
}

// SyncAll force refreshes every collection and re-establishes the live
// connection. Called when a screen regains focus to reconcile events
// missed while the connection was down.
func (self *DataStore) SyncAll(ctx context.Context) error {
	if !self.connection.State().IsConnected() {
		// a failure here arms the background retry. reads fall back to rest.
		self.connection.Connect(ctx)
	}

	var firstErr error
	if _, err := self.LoadCompanies(ctx, true); err != nil && firstErr == nil {
		firstErr = err
	}
	if _, err := self.LoadBusinesses(ctx, true); err != nil && firstErr == nil {
		firstErr = err
	}
	if _, err := self.LoadUsers(ctx, true); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Clear empties the cache, the selections, and the offline snapshot.
// Used on logout.
func (self *DataStore) Clear(ctx context.Context) {
	self.stateLock.Lock()
	self.companies.clear()
	self.businesses.clear()
	self.users.clear()
	self.selectedCompany = nil
	self.selectedUser = nil
	self.selectedManager = nil
	self.loading = false
	self.stateLock.Unlock()

	storageKeys := []string{
		storageKeyCompanies,
		storageKeyBusinesses,
		storageKeyUsers,
		storageKeySelectedCompany,
		storageKeySelectedUser,
		storageKeySelectedManager,
	}
	for _, key := range storageKeys {
		if err := self.storage.Remove(key); err != nil {
			glog.Infof("[store]clear %s error = %s\n", key, err)
		}
	}

	topics := []StoreTopic{
		TopicCompanies,
		TopicBusinesses,
		TopicUsers,
		TopicSelectedCompany,
		TopicSelectedUser,
		TopicSelectedManager,
	}
	for _, topic := range topics {
		self.notify(topic)
	}
}
