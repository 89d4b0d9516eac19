package actor

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/coder/quartz"
	"github.com/google/uuid"

	"github.com/org/pwsafe/internal/audit"
	"github.com/org/pwsafe/internal/crypto"
	"github.com/org/pwsafe/internal/storage"
	"github.com/org/pwsafe/internal/vaulterr"
	"github.com/org/pwsafe/pkg/models"
)

// keyAdminUser is the config record naming the master admin account.
const keyAdminUser = "system.admin_user"

// Options configure the Service.
type Options struct {
	AdminGroup    string
	SubAdminGroup string
	KDF           crypto.KDFParams
}

// Service manages actors and their keys.
type Service struct {
	db    storage.Backend
	clock quartz.Clock
	audit *audit.Logger
	opts  Options

	// rotation is held exclusively while the admin group key rotates and
	// shared by every writer of capability records.
	rotation sync.RWMutex
}

// NewService creates an actor Service.
func NewService(db storage.Backend, clock quartz.Clock, auditLog *audit.Logger, opts Options) *Service {
	if opts.AdminGroup == "" {
		opts.AdminGroup = "admins"
	}
	if opts.SubAdminGroup == "" {
		opts.SubAdminGroup = "subadmins"
	}
	if opts.KDF == (crypto.KDFParams{}) {
		opts.KDF = crypto.DefaultKDFParams
	}
	return &Service{db: db, clock: clock, audit: auditLog, opts: opts}
}

// Shared takes the rotation barrier in shared mode. Callers that write
// capability records hold it for the length of their transaction.
func (s *Service) Shared() (release func()) {
	s.rotation.RLock()
	return s.rotation.RUnlock
}

// Exclusive takes the rotation barrier alone, waiting out every Shared holder.
func (s *Service) Exclusive() (release func()) {
	s.rotation.Lock()
	return s.rotation.Unlock
}

// NewUser describes an account to create.
type NewUser struct {
	Login      string
	Email      string
	Password   string
	AuthSource string
}

func (s *Service) newUser(nu NewUser, adminPub []byte) (*models.User, *crypto.KeyPair, error) {
	login := strings.TrimSpace(nu.Login)
	if login == "" || nu.Password == "" {
		return nil, nil, vaulterr.Workflow("create user", "login and password are required")
	}
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, nil, err
	}
	now := s.clock.Now().UTC()
	u := &models.User{
		ID:         uuid.NewString(),
		Login:      login,
		Email:      nu.Email,
		AuthSource: nu.AuthSource,
		Enabled:    true,
		PublicKey:  kp.Public,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if u.AuthSource == "" {
		u.AuthSource = "local"
	}
	if err := s.wrapForPassword(u, kp.Private, nu.Password); err != nil {
		kp.Wipe()
		return nil, nil, err
	}
	if u.KeyByAdmin, err = seal(adminPub, kp.Private, "seal user key for admin"); err != nil {
		kp.Wipe()
		return nil, nil, err
	}
	return u, kp, nil
}

func (s *Service) newGroup(name string, adminPub []byte) (*models.Group, *crypto.KeyPair, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil, vaulterr.Workflow("create group", "group name is required")
	}
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, nil, err
	}
	g := &models.Group{
		ID:        uuid.NewString(),
		Name:      name,
		Status:    models.GroupEnabled,
		PublicKey: kp.Public,
		CreatedAt: s.clock.Now().UTC(),
	}
	if adminPub != nil {
		if g.KeyByAdmin, err = seal(adminPub, kp.Private, "seal group key for admin"); err != nil {
			kp.Wipe()
			return nil, nil, err
		}
	}
	return g, kp, nil
}

func (s *Service) putMembership(ctx context.Context, q storage.Queries, userPub []byte, userID string, group *crypto.KeyPair, groupID string) error {
	wrapped, err := seal(userPub, group.Private, "seal group key for member")
	if err != nil {
		return err
	}
	err = q.PutMembership(ctx, &models.Membership{
		UserID:     userID,
		GroupID:    groupID,
		WrappedKey: wrapped,
		CreatedAt:  s.clock.Now().UTC(),
	})
	return vaulterr.Store("put membership", err)
}

// Bootstrap creates the admin group, the sub-admin group and the master
// admin account. It fails with a conflict once the vault is bootstrapped.
func (s *Service) Bootstrap(ctx context.Context, login, password string) (*models.User, error) {
	var admin *models.User
	err := s.db.InTx(ctx, func(q storage.Queries) error {
		if _, err := q.GetGroupByName(ctx, s.opts.AdminGroup); err == nil {
			return vaulterr.Conflict("vault is already bootstrapped")
		} else if !errors.Is(err, storage.ErrNotFound) {
			return vaulterr.Store("get admin group", err)
		}

		adminGroup, adminKey, err := s.newGroup(s.opts.AdminGroup, nil)
		if err != nil {
			return err
		}
		defer adminKey.Wipe()
		subGroup, subKey, err := s.newGroup(s.opts.SubAdminGroup, adminKey.Public)
		if err != nil {
			return err
		}
		defer subKey.Wipe()
		user, userKey, err := s.newUser(NewUser{Login: login, Password: password}, adminKey.Public)
		if err != nil {
			return err
		}
		defer userKey.Wipe()

		if err := q.CreateGroup(ctx, adminGroup); err != nil {
			return vaulterr.Store("create admin group", err)
		}
		if err := q.CreateGroup(ctx, subGroup); err != nil {
			return vaulterr.Store("create sub-admin group", err)
		}
		if err := q.CreateUser(ctx, user); err != nil {
			return vaulterr.Store("create admin user", err)
		}
		if err := s.putMembership(ctx, q, user.PublicKey, user.ID, adminKey, adminGroup.ID); err != nil {
			return err
		}
		wrapped, err := seal(subKey.Public, adminKey.Private, "seal admin key for sub-admins")
		if err != nil {
			return err
		}
		err = q.PutDelegation(ctx, &models.GroupDelegation{
			GroupID:    adminGroup.ID,
			ViaGroupID: subGroup.ID,
			WrappedKey: wrapped,
			CreatedAt:  s.clock.Now().UTC(),
		})
		if err != nil {
			return vaulterr.Store("put delegation", err)
		}
		if err := q.SetConfigValue(ctx, keyAdminUser, user.ID); err != nil {
			return vaulterr.Store("record admin user", err)
		}
		admin = user
		return s.audit.Record(ctx, q, audit.Event(models.LevelSecurity, user.ID, "", "vault bootstrapped by %s", user.Login))
	})
	if err != nil {
		return nil, err
	}
	return admin, nil
}

// Bootstrapped reports whether Bootstrap has run.
func (s *Service) Bootstrapped(ctx context.Context) (bool, error) {
	var ok bool
	err := s.db.View(ctx, func(q storage.Queries) error {
		_, err := q.GetGroupByName(ctx, s.opts.AdminGroup)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		ok = err == nil
		return err
	})
	return ok, vaulterr.Store("check bootstrap", err)
}

// AdminUserID returns the id of the master admin account.
func (s *Service) AdminUserID(ctx context.Context, q storage.Queries) (string, error) {
	id, err := q.GetConfigValue(ctx, keyAdminUser)
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	return id, vaulterr.Store("get admin user", err)
}

// RequireAdmin fails unless p holds admin or sub-admin rank.
func (s *Service) RequireAdmin(ctx context.Context, q storage.Queries, p *Principal) error {
	ok, err := s.IsAdmin(ctx, q, p.ID())
	if err != nil {
		return err
	}
	if !ok {
		return vaulterr.Security("administrator rights required")
	}
	return nil
}

// CreateUser creates an account. Only administrators may create users.
func (s *Service) CreateUser(ctx context.Context, by *Principal, nu NewUser) (*models.User, error) {
	var created *models.User
	err := s.db.InTx(ctx, func(q storage.Queries) error {
		if err := s.RequireAdmin(ctx, q, by); err != nil {
			return err
		}
		admin, _, err := s.AdminGroups(ctx, q)
		if err != nil {
			return err
		}
		u, kp, err := s.newUser(nu, admin.PublicKey)
		if err != nil {
			return err
		}
		kp.Wipe()
		if err := q.CreateUser(ctx, u); err != nil {
			if errors.Is(err, storage.ErrAlreadyExists) {
				return vaulterr.Conflict("login %q is taken", u.Login)
			}
			return vaulterr.Store("create user", err)
		}
		created = u
		return s.audit.Record(ctx, q, audit.Event(models.LevelInfo, by.ID(), "", "user %s created", u.Login))
	})
	return created, err
}

// Unlock loads the account for login and opens its private key.
func (s *Service) Unlock(ctx context.Context, login, password string) (*Principal, error) {
	var u *models.User
	err := s.db.View(ctx, func(q storage.Queries) error {
		var err error
		u, err = q.GetUserByLogin(ctx, login)
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, vaulterr.NotFound("user", login)
	}
	if err != nil {
		return nil, vaulterr.Store("get user", err)
	}
	return UnlockUser(u, password)
}

// GetUser returns the user with id.
func (s *Service) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u *models.User
	err := s.db.View(ctx, func(q storage.Queries) error {
		var err error
		u, err = q.GetUser(ctx, id)
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, vaulterr.NotFound("user", id)
	}
	return u, vaulterr.Store("get user", err)
}

// ListUsers returns every account.
func (s *Service) ListUsers(ctx context.Context) ([]*models.User, error) {
	var out []*models.User
	err := s.db.View(ctx, func(q storage.Queries) error {
		var err error
		out, err = q.ListUsers(ctx)
		return err
	})
	return out, vaulterr.Store("list users", err)
}

// SetUserEnabled enables or disables an account.
func (s *Service) SetUserEnabled(ctx context.Context, by *Principal, userID string, enabled bool) error {
	return s.db.InTx(ctx, func(q storage.Queries) error {
		if err := s.RequireAdmin(ctx, q, by); err != nil {
			return err
		}
		u, err := q.GetUser(ctx, userID)
		if errors.Is(err, storage.ErrNotFound) {
			return vaulterr.NotFound("user", userID)
		}
		if err != nil {
			return vaulterr.Store("get user", err)
		}
		u.Enabled = enabled
		if enabled {
			u.FailedLogins = 0
		}
		u.UpdatedAt = s.clock.Now().UTC()
		if err := q.UpdateUser(ctx, u); err != nil {
			return vaulterr.Store("update user", err)
		}
		return s.audit.Record(ctx, q, audit.Event(models.LevelSecurity, by.ID(), "", "user %s enabled=%t", u.Login, enabled))
	})
}

// CreateGroup creates a group. Only administrators may create groups.
func (s *Service) CreateGroup(ctx context.Context, by *Principal, name string) (*models.Group, error) {
	var created *models.Group
	err := s.db.InTx(ctx, func(q storage.Queries) error {
		if err := s.RequireAdmin(ctx, q, by); err != nil {
			return err
		}
		admin, _, err := s.AdminGroups(ctx, q)
		if err != nil {
			return err
		}
		g, kp, err := s.newGroup(name, admin.PublicKey)
		if err != nil {
			return err
		}
		kp.Wipe()
		if err := q.CreateGroup(ctx, g); err != nil {
			if errors.Is(err, storage.ErrAlreadyExists) {
				return vaulterr.Conflict("group %q already exists", g.Name)
			}
			return vaulterr.Store("create group", err)
		}
		created = g
		return s.audit.Record(ctx, q, audit.Event(models.LevelInfo, by.ID(), "", "group %s created", g.Name))
	})
	return created, err
}

// ListGroups returns every group.
func (s *Service) ListGroups(ctx context.Context) ([]*models.Group, error) {
	var out []*models.Group
	err := s.db.View(ctx, func(q storage.Queries) error {
		var err error
		out, err = q.ListGroups(ctx)
		return err
	})
	return out, vaulterr.Store("list groups", err)
}

func getGroup(ctx context.Context, q storage.Queries, id string) (*models.Group, error) {
	g, err := q.GetGroup(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, vaulterr.NotFound("group", id)
	}
	return g, vaulterr.Store("get group", err)
}

// SetGroupStatus enables, disables or deletes a group. The admin groups
// cannot be changed.
func (s *Service) SetGroupStatus(ctx context.Context, by *Principal, groupID string, status models.GroupStatus) error {
	return s.db.InTx(ctx, func(q storage.Queries) error {
		if err := s.RequireAdmin(ctx, q, by); err != nil {
			return err
		}
		g, err := getGroup(ctx, q, groupID)
		if err != nil {
			return err
		}
		if g.Name == s.opts.AdminGroup || g.Name == s.opts.SubAdminGroup {
			return vaulterr.Workflow("set group status", "the admin groups cannot be disabled")
		}
		switch status {
		case models.GroupEnabled, models.GroupDisabled, models.GroupDeleted:
		default:
			return vaulterr.Workflow("set group status", "unknown status %q", status)
		}
		g.Status = status
		if err := q.UpdateGroup(ctx, g); err != nil {
			return vaulterr.Store("update group", err)
		}
		return s.audit.Record(ctx, q, audit.Event(models.LevelSecurity, by.ID(), "", "group %s is now %s", g.Name, status))
	})
}

// AddMember seals groupID's key to userID. by must reach the group key,
// directly or as an administrator.
func (s *Service) AddMember(ctx context.Context, by *Principal, groupID, userID string) error {
	return s.db.InTx(ctx, func(q storage.Queries) error {
		if err := s.RequireAdmin(ctx, q, by); err != nil {
			return err
		}
		g, err := getGroup(ctx, q, groupID)
		if err != nil {
			return err
		}
		if g.Status == models.GroupDeleted {
			return vaulterr.Workflow("add member", "group %q is deleted", g.Name)
		}
		u, err := q.GetUser(ctx, userID)
		if errors.Is(err, storage.ErrNotFound) {
			return vaulterr.NotFound("user", userID)
		}
		if err != nil {
			return vaulterr.Store("get user", err)
		}
		// Disabled groups hand out no key through GroupKey, so go through
		// the recovery copy for them.
		kp, err := s.groupPrivate(ctx, q, by, g)
		if err != nil {
			return err
		}
		defer kp.Wipe()
		if err := s.putMembership(ctx, q, u.PublicKey, u.ID, kp, g.ID); err != nil {
			return err
		}
		return s.audit.Record(ctx, q, audit.Event(models.LevelSecurity, by.ID(), "", "user %s added to group %s", u.Login, g.Name))
	})
}

// RemoveMember deletes the membership of userID in groupID.
func (s *Service) RemoveMember(ctx context.Context, by *Principal, groupID, userID string) error {
	return s.db.InTx(ctx, func(q storage.Queries) error {
		if err := s.RequireAdmin(ctx, q, by); err != nil {
			return err
		}
		g, err := getGroup(ctx, q, groupID)
		if err != nil {
			return err
		}
		if g.Name == s.opts.AdminGroup {
			if adminID, _ := s.AdminUserID(ctx, q); adminID == userID {
				return vaulterr.Workflow("remove member", "the master admin cannot leave the admin group")
			}
		}
		if err := q.DeleteMembership(ctx, userID, groupID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return vaulterr.NotFound("membership", userID)
			}
			return vaulterr.Store("delete membership", err)
		}
		return s.audit.Record(ctx, q, audit.Event(models.LevelSecurity, by.ID(), "", "user %s removed from group %s", userID, g.Name))
	})
}

// Members lists the user ids holding a membership in groupID.
func (s *Service) Members(ctx context.Context, groupID string) ([]string, error) {
	var out []string
	err := s.db.View(ctx, func(q storage.Queries) error {
		if _, err := getGroup(ctx, q, groupID); err != nil {
			return err
		}
		ms, err := q.ListMembershipsByGroup(ctx, groupID)
		if err != nil {
			return vaulterr.Store("list members", err)
		}
		for _, m := range ms {
			out = append(out, m.UserID)
		}
		return nil
	})
	return out, err
}
