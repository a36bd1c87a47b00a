package user

import (
	"context"
	"fmt"
	"strings"

	"github.com/plaenen/iamcore/pkg/command"
	"github.com/plaenen/iamcore/pkg/crypto"
	"github.com/plaenen/iamcore/pkg/domain"
	"github.com/plaenen/iamcore/pkg/eventstore"
	"github.com/plaenen/iamcore/pkg/password"
)

// Handlers produces the command handlers of the user aggregate.
type Handlers struct {
	encrypter  *crypto.Encrypter
	hashCost   int
	codeLength int
}

// HandlersOption configures Handlers.
type HandlersOption func(*Handlers)

// WithHashCost overrides the bcrypt cost for new password hashes.
func WithHashCost(cost int) HandlersOption {
	return func(h *Handlers) { h.hashCost = cost }
}

// WithCodeLength overrides the email verification code length.
func WithCodeLength(n int) HandlersOption {
	return func(h *Handlers) { h.codeLength = n }
}

// NewHandlers creates the handler set. The encrypter protects email
// verification codes at rest; pass nil to disable code generation.
func NewHandlers(encrypter *crypto.Encrypter, opts ...HandlersOption) *Handlers {
	h := &Handlers{
		encrypter:  encrypter,
		hashCost:   password.DefaultCost,
		codeLength: 6,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register wires all user handlers into the executor.
func Register(exec *command.Executor, encrypter *crypto.Encrypter, opts ...HandlersOption) {
	exec.Register(NewHandlers(encrypter, opts...).All()...)
}

// All returns one handler per user command type.
func (h *Handlers) All() []*command.Handler {
	return []*command.Handler{
		{CommandType: CommandTypeAddHuman, NewWriteModel: newModel, Handle: h.addHuman},
		{CommandType: CommandTypeChangeUsername, NewWriteModel: newModel, Handle: h.changeUsername},
		{CommandType: CommandTypeChangeEmail, NewWriteModel: newModel, Handle: h.changeEmail},
		{CommandType: CommandTypeVerifyEmail, NewWriteModel: newModel, Handle: h.verifyEmail},
		{CommandType: CommandTypeChangePassword, NewWriteModel: newModel, Handle: h.changePassword},
		{CommandType: CommandTypeDeactivate, NewWriteModel: newModel, Handle: h.deactivate},
		{CommandType: CommandTypeReactivate, NewWriteModel: newModel, Handle: h.reactivate},
		{CommandType: CommandTypeRemove, NewWriteModel: newModel, Handle: h.remove},
	}
}

func newModel(cmd command.Command) command.WriteModel {
	agg := cmd.Aggregate()
	return NewWriteModel(agg.InstanceID, agg.ID)
}

func (h *Handlers) addHuman(ctx context.Context, cmd command.Command, model command.WriteModel) ([]*eventstore.Command, error) {
	c := cmd.(*AddHumanCommand)
	m := model.(*WriteModel)

	if m.State.Exists() {
		return nil, domain.NewPreconditionError(c.Aggregate(), "user already exists")
	}

	var hash string
	if c.Password != "" {
		var err error
		hash, err = password.Hash(c.Password, password.WithCost(h.hashCost))
		if err != nil {
			return nil, err
		}
	}

	return []*eventstore.Command{{
		Type: HumanAddedType,
		Payload: HumanAddedPayload{
			Username:     c.Username,
			FirstName:    c.FirstName,
			LastName:     c.LastName,
			Email:        c.Email,
			PasswordHash: hash,
		},
		Constraints: []*domain.UniqueConstraint{NewAddUsernameConstraint(c.Username)},
	}}, nil
}

func (h *Handlers) changeUsername(ctx context.Context, cmd command.Command, model command.WriteModel) ([]*eventstore.Command, error) {
	c := cmd.(*ChangeUsernameCommand)
	m, err := existing(c.Aggregate(), model)
	if err != nil {
		return nil, err
	}
	// Case-only changes go through: the constraint tuple is case-folded,
	// so swapping it reclaims the same reservation.
	if m.Username == c.Username {
		return nil, nil
	}

	return []*eventstore.Command{{
		Type:    UsernameChangedType,
		Payload: UsernameChangedPayload{Username: c.Username},
		Constraints: []*domain.UniqueConstraint{
			NewRemoveUsernameConstraint(m.Username),
			NewAddUsernameConstraint(c.Username),
		},
	}}, nil
}

func (h *Handlers) changeEmail(ctx context.Context, cmd command.Command, model command.WriteModel) ([]*eventstore.Command, error) {
	c := cmd.(*ChangeEmailCommand)
	m, err := existing(c.Aggregate(), model)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(m.Email, c.Email) && m.EmailVerified {
		return nil, nil
	}

	payload := EmailChangedPayload{Email: c.Email}
	if h.encrypter != nil {
		code, err := crypto.GenerateCode(h.codeLength)
		if err != nil {
			return nil, err
		}
		payload.VerificationCode, err = h.encrypter.EncryptString(ctx, code)
		if err != nil {
			return nil, err
		}
	}

	return []*eventstore.Command{{
		Type:    EmailChangedType,
		Payload: payload,
	}}, nil
}

func (h *Handlers) verifyEmail(ctx context.Context, cmd command.Command, model command.WriteModel) ([]*eventstore.Command, error) {
	c := cmd.(*VerifyEmailCommand)
	m, err := existing(c.Aggregate(), model)
	if err != nil {
		return nil, err
	}
	if m.EmailVerified {
		return nil, nil
	}
	if m.EmailVerificationCode == "" || h.encrypter == nil {
		return nil, domain.NewPreconditionError(c.Aggregate(), "no email verification pending")
	}
	if err := h.encrypter.VerifyCode(ctx, m.EmailVerificationCode, c.Code); err != nil {
		return nil, err
	}

	return []*eventstore.Command{{Type: EmailVerifiedType}}, nil
}

func (h *Handlers) changePassword(ctx context.Context, cmd command.Command, model command.WriteModel) ([]*eventstore.Command, error) {
	c := cmd.(*ChangePasswordCommand)
	m, err := existing(c.Aggregate(), model)
	if err != nil {
		return nil, err
	}
	if c.OldPassword != "" {
		if err := password.Verify(m.PasswordHash, c.OldPassword); err != nil {
			return nil, err
		}
	}

	hash, err := password.Hash(c.NewPassword, password.WithCost(h.hashCost))
	if err != nil {
		return nil, err
	}

	return []*eventstore.Command{{
		Type:    PasswordChangedType,
		Payload: PasswordChangedPayload{PasswordHash: hash},
	}}, nil
}

func (h *Handlers) deactivate(ctx context.Context, cmd command.Command, model command.WriteModel) ([]*eventstore.Command, error) {
	c := cmd.(*DeactivateCommand)
	m, err := existing(c.Aggregate(), model)
	if err != nil {
		return nil, err
	}
	if m.State == domain.StateInactive {
		return nil, nil
	}

	return []*eventstore.Command{{Type: DeactivatedType}}, nil
}

func (h *Handlers) reactivate(ctx context.Context, cmd command.Command, model command.WriteModel) ([]*eventstore.Command, error) {
	c := cmd.(*ReactivateCommand)
	m, err := existing(c.Aggregate(), model)
	if err != nil {
		return nil, err
	}
	if m.State == domain.StateActive {
		return nil, nil
	}

	return []*eventstore.Command{{Type: ReactivatedType}}, nil
}

func (h *Handlers) remove(ctx context.Context, cmd command.Command, model command.WriteModel) ([]*eventstore.Command, error) {
	c := cmd.(*RemoveCommand)
	m := model.(*WriteModel)
	if m.State == domain.StateRemoved {
		return nil, nil
	}
	if !m.State.Exists() {
		return nil, fmt.Errorf("%w: user %s", domain.ErrNotFound, c.UserID)
	}

	return []*eventstore.Command{{
		Type: RemovedType,
		Constraints: []*domain.UniqueConstraint{
			NewRemoveUsernameConstraint(m.Username),
		},
	}}, nil
}

// existing asserts the aggregate is live; removed and never-created users
// reject further commands.
func existing(agg domain.Aggregate, model command.WriteModel) (*WriteModel, error) {
	m := model.(*WriteModel)
	if !m.State.Exists() {
		return nil, fmt.Errorf("%w: user %s", domain.ErrNotFound, agg.ID)
	}
	return m, nil
}
