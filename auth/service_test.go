package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestService_RegisterAndLogin(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	req := RegisterRequest{
		Email:    "alice@example.com",
		Password: "supersafe",
		FullName: "Alice Client",
	}

	ctx := context.Background()
	user, err := svc.Register(ctx, req)
	if err != nil {
		t.Fatalf("register: unexpected error: %v", err)
	}
	if user.Role != RoleClient {
		t.Fatalf("register: expected default role %s got %s", RoleClient, user.Role)
	}
	if user.ID == "" {
		t.Fatalf("register: expected generated id")
	}

	resp, err := svc.Login(ctx, LoginRequest{Email: req.Email, Password: req.Password})
	if err != nil {
		t.Fatalf("login: unexpected error: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("login: expected token, got empty string")
	}

	identity, err := svc.VerifyToken(resp.Token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if identity.UserID != user.ID || identity.Role != RoleClient {
		t.Fatalf("verify token: unexpected identity %+v", identity)
	}
}

func TestService_RegisterFreelancer(t *testing.T) {
	svc := NewService(newFakeRepository(), "test-secret")
	user, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "bob@example.com",
		Password: "supersafe",
		FullName: "Bob Builder",
		Role:     RoleFreelancer,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if user.Identity() != (Identity{UserID: user.ID, Role: RoleFreelancer}) {
		t.Fatalf("unexpected identity %+v", user.Identity())
	}
}

func TestService_RegisterValidation(t *testing.T) {
	svc := NewService(newFakeRepository(), "test-secret")

	_, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "alice@example.com",
		Password: "short",
		FullName: "Alice Client",
	})
	if !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}

	if _, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "",
		Password: "strongpassword",
		FullName: "",
	}); err == nil {
		t.Fatal("expected validation error for missing fields")
	}

	_, err = svc.Register(context.Background(), RegisterRequest{
		Email:    "root@example.com",
		Password: "strongpassword",
		FullName: "Root",
		Role:     RoleAdmin,
	})
	if !errors.Is(err, ErrSelfAssignedAdmin) {
		t.Fatalf("expected ErrSelfAssignedAdmin, got %v", err)
	}
}

func TestService_DuplicateEmail(t *testing.T) {
	svc := NewService(newFakeRepository(), "test-secret")

	req := RegisterRequest{
		Email:    "alice@example.com",
		Password: "strongpassword",
		FullName: "Alice Client",
	}
	if _, err := svc.Register(context.Background(), req); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	if _, err := svc.Register(context.Background(), req); !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
}

func TestService_LoginInvalidCredentials(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	_, err := svc.Login(context.Background(), LoginRequest{
		Email:    "unknown@example.com",
		Password: "irrelevant",
	})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}

	if _, err := svc.Register(context.Background(), RegisterRequest{
		Email: "carol@example.com", Password: "correcthorse", FullName: "Carol",
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err = svc.Login(context.Background(), LoginRequest{Email: "carol@example.com", Password: "wrongpassword"})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for wrong password, got %v", err)
	}
}

func TestService_VerifyTokenExpired(t *testing.T) {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	now := base
	svc := NewService(newFakeRepository(), "test-secret").WithClock(func() time.Time { return now })

	token, err := svc.generateToken("user-1", RoleFreelancer)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := svc.VerifyToken(token); err != nil {
		t.Fatalf("fresh token rejected: %v", err)
	}

	now = base.Add(25 * time.Hour)
	if _, err := svc.VerifyToken(token); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestService_VerifyTokenWrongSecret(t *testing.T) {
	issuer := NewService(newFakeRepository(), "secret-a")
	verifier := NewService(newFakeRepository(), "secret-b")

	token, err := issuer.generateToken("user-1", RoleClient)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := verifier.VerifyToken(token); err == nil {
		t.Fatalf("expected signature mismatch")
	}
}

type fakeRepository struct {
	usersByEmail map[string]User
	usersByID    map[string]User
	nextID       int
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		usersByEmail: make(map[string]User),
		usersByID:    make(map[string]User),
		nextID:       1,
	}
}

func (f *fakeRepository) CreateUser(ctx context.Context, params CreateUserParams) (User, error) {
	if _, exists := f.usersByEmail[strings.ToLower(params.Email)]; exists {
		return User{}, ErrDuplicateEmail
	}

	id := params.ID
	if id == "" {
		id = fmt.Sprintf("user-%d", f.nextID)
		f.nextID++
	}

	user := User{
		ID:           id,
		Email:        params.Email,
		FullName:     params.FullName,
		PasswordHash: params.PasswordHash,
		Role:         params.Role,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}

	f.usersByEmail[strings.ToLower(user.Email)] = user
	f.usersByID[user.ID] = user
	return user, nil
}

func (f *fakeRepository) GetUserByEmail(ctx context.Context, email string) (User, error) {
	user, ok := f.usersByEmail[strings.ToLower(email)]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (f *fakeRepository) GetUserByID(ctx context.Context, userID string) (User, error) {
	user, ok := f.usersByID[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}
