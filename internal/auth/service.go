// Package auth はパスワード認証、JWT発行、リフレッシュトークンのローテーションを提供する。
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/chartman/internal/model"
	"github.com/hitoshi/chartman/internal/repository"
)

// minPasswordLength はパスワードの最小文字数。
const minPasswordLength = 8

// Principal は認証済みリクエストの主体を表す。
type Principal struct {
	UserID string
	Role   model.Role
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	userRepo  repository.UserRepository
	tokenRepo repository.RefreshTokenRepository
	secret    []byte
	config    ServiceConfig

	// now はテストから差し替え可能な現在時刻取得関数。
	now func() time.Time
}

// NewService はServiceを生成する。
func NewService(
	userRepo repository.UserRepository,
	tokenRepo repository.RefreshTokenRepository,
	secret string,
	config ServiceConfig,
) *Service {
	return &Service{
		userRepo:  userRepo,
		tokenRepo: tokenRepo,
		secret:    []byte(secret),
		config:    config,
		now:       time.Now,
	}
}

// Register は新規ユーザーを登録する。roleが空の場合はviewerになる。
func (s *Service) Register(ctx context.Context, username, email, password, role string) (*model.User, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)

	if username == "" {
		return nil, model.NewValidationError("ユーザー名は必須です")
	}
	if email == "" || !strings.Contains(email, "@") {
		return nil, model.NewValidationError("メールアドレスの形式が不正です")
	}
	if len(password) < minPasswordLength {
		return nil, model.NewValidationError(fmt.Sprintf("パスワードは%d文字以上必要です", minPasswordLength))
	}

	userRole := model.RoleViewer
	if role != "" {
		parsed, err := model.ParseRole(role)
		if err != nil {
			return nil, model.NewValidationError(fmt.Sprintf("未知のロールです: %s", role))
		}
		userRole = parsed
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &model.User{
		ID:           uuid.New().String(),
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
		Role:         userRole,
		IsActive:     true,
		CreatedAt:    s.now(),
	}

	if err := s.userRepo.Create(ctx, user); err != nil {
		if err == repository.ErrDuplicateKey {
			return nil, model.NewValidationError("ユーザー名またはメールアドレスは既に使用されています")
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	slog.Info("user registered",
		slog.String("user_id", user.ID),
		slog.String("username", user.Username),
		slog.String("role", string(user.Role)),
	)

	return user, nil
}

// Login は認証情報を検証しトークンペアを発行する。
// ユーザー不存在・パスワード不一致・無効化済みのいずれでも同一のエラーを返し、
// アカウントの存在有無を漏らさない。
func (s *Service) Login(ctx context.Context, username, password string) (*model.TokenPair, error) {
	user, err := s.userRepo.FindByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil || !user.IsActive {
		return nil, model.NewInvalidCredentialsError()
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, model.NewInvalidCredentialsError()
	}

	if err := s.userRepo.UpdateLastLogin(ctx, user.ID, s.now()); err != nil {
		return nil, fmt.Errorf("failed to update last login: %w", err)
	}

	pair, err := s.issueTokenPair(ctx, user)
	if err != nil {
		return nil, err
	}

	slog.Info("user logged in", slog.String("user_id", user.ID))
	return pair, nil
}

// Refresh はリフレッシュトークンを検証し、新しいトークンペアを発行する。
// トークンは1回限り有効で、使用と同時に無効化される（ローテーション）。
// 署名不正・期限切れ・使用済み・未知のいずれでも同一のエラーを返す。
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*model.TokenPair, error) {
	claims, err := parseToken(s.secret, refreshToken, tokenTypeRefresh, s.now())
	if err != nil {
		return nil, model.NewInvalidTokenError()
	}

	// 条件付きUPDATEによる原子的な消費。並行リフレッシュは1つだけ成功する。
	consumed, err := s.tokenRepo.Consume(ctx, claims.ID, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to consume refresh token: %w", err)
	}
	if consumed == nil {
		return nil, model.NewInvalidTokenError()
	}

	user, err := s.userRepo.FindByID(ctx, consumed.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil || !user.IsActive {
		return nil, model.NewInvalidTokenError()
	}

	pair, err := s.issueTokenPair(ctx, user)
	if err != nil {
		return nil, err
	}

	slog.Info("token refreshed", slog.String("user_id", user.ID))
	return pair, nil
}

// Authenticate はアクセストークンを検証しプリンシパルを返す。
// ステートレス検証のためストアへのアクセスは行わない。
func (s *Service) Authenticate(accessToken string) (*Principal, error) {
	claims, err := parseToken(s.secret, accessToken, tokenTypeAccess, s.now())
	if err != nil {
		return nil, model.NewUnauthenticatedError()
	}

	role, err := model.ParseRole(claims.Role)
	if err != nil {
		return nil, model.NewUnauthenticatedError()
	}

	return &Principal{UserID: claims.Subject, Role: role}, nil
}

// CurrentUser はプリンシパルに対応するユーザーを取得する。
func (s *Service) CurrentUser(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, model.NewUnauthenticatedError()
	}
	return user, nil
}

// issueTokenPair はアクセストークンとリフレッシュトークンの組を発行する。
// リフレッシュトークンのjtiはIdentity Storeに記録し、使用状態を追跡する。
func (s *Service) issueTokenPair(ctx context.Context, user *model.User) (*model.TokenPair, error) {
	now := s.now()

	access, err := signToken(s.secret, user.ID, user.Role, tokenTypeAccess, newTokenID(), now, s.config.AccessTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to issue access token: %w", err)
	}

	refreshID := newTokenID()
	refresh, err := signToken(s.secret, user.ID, user.Role, tokenTypeRefresh, refreshID, now, s.config.RefreshTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to issue refresh token: %w", err)
	}

	record := &model.RefreshToken{
		ID:        refreshID,
		UserID:    user.ID,
		ExpiresAt: now.Add(s.config.RefreshTokenTTL),
		CreatedAt: now,
	}
	if err := s.tokenRepo.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to save refresh token: %w", err)
	}

	return &model.TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int(s.config.AccessTokenTTL.Seconds()),
	}, nil
}
