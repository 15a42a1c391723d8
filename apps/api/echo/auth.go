package echoapi

import (
	"context"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/audit"
	"github.com/trezcool/shule/core/user"
)

const (
	jwtContextKey  = "userToken"
	contextUserKey = "user"
	jwtAudience    = "Shule"
)

// Claims represents the authorization claims transmitted via a JWT.
type Claims struct {
	jwt.StandardClaims
	OrigIssuedAt int64    `json:"oriat,omitempty"`
	Name         string   `json:"name,omitempty"`
	Username     string   `json:"username,omitempty"`
	Email        string   `json:"email,omitempty"`
	IsStudent    bool     `json:"is_student,omitempty"`    // -> STUDENT PORTAL
	IsTeacher    bool     `json:"is_teacher,omitempty"`    // -> TEACHER PORTAL
	IsAccountant bool     `json:"is_accountant,omitempty"` // -> BURSAR PORTAL
	IsAdmin      bool     `json:"is_admin,omitempty"`      // -> ADMIN PORTAL
	Roles        []string `json:"roles,omitempty"`
}

// Session is the identity passed to domain operations on behalf of the token holder.
func (c Claims) Session() core.Session {
	return core.Session{UserID: c.Subject, UserName: c.Name, Roles: c.Roles}
}

type tokenIssuer struct {
	conf *core.Config
	key  []byte
}

func newTokenIssuer(conf *core.Config) *tokenIssuer {
	return &tokenIssuer{conf: conf, key: []byte(conf.SecretKey)}
}

func (ti *tokenIssuer) middlewareConfig() middleware.JWTConfig {
	return middleware.JWTConfig{
		SigningKey:    ti.key,
		SigningMethod: middleware.AlgorithmHS256,
		ContextKey:    jwtContextKey,
		Claims:        new(Claims),
	}
}

func (ti *tokenIssuer) claims(usr user.User, origIat ...int64) *Claims {
	now := time.Now()
	nownix := now.Unix()

	oriat := nownix
	if len(origIat) > 0 {
		oriat = origIat[0]
	}

	return &Claims{
		StandardClaims: jwt.StandardClaims{
			Issuer:    ti.conf.AppName,
			Subject:   usr.ID,
			Audience:  jwtAudience,
			ExpiresAt: now.Add(ti.conf.Server.JWTExpirationDelta).Unix(),
			IssuedAt:  nownix,
		},
		OrigIssuedAt: oriat,
		Name:         usr.DisplayName(),
		Username:     usr.Username,
		Email:        usr.Email,
		IsStudent:    usr.IsStudent(),
		IsTeacher:    usr.IsTeacher(),
		IsAccountant: usr.IsAccountant(),
		IsAdmin:      usr.IsAdmin(),
		Roles:        usr.Roles,
	}
}

// sign generates a signed JWT token string representing the user Claims.
func (ti *tokenIssuer) sign(claims *Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.GetSigningMethod(middleware.AlgorithmHS256), claims)
	ss, err := token.SignedString(ti.key)
	if err != nil {
		return "", errors.Wrap(err, "signing token")
	}
	return ss, nil
}

// GenerateToken returns a fresh access token for usr.
func GenerateToken(conf *core.Config, usr user.User) (string, error) {
	ti := newTokenIssuer(conf)
	return ti.sign(ti.claims(usr))
}

func authenticate(ctx context.Context, identifier, secret string, svc user.Service, auditLog *audit.Logger, ip string) (user.User, error) {
	usr, err := svc.Login(ctx, identifier, secret)
	details := map[string]interface{}{"ip": ip}
	switch errors.Cause(err) {
	case nil:
		auditLog.LogLogin(usr.ID, identifier, true, details)
		return usr, nil
	case user.ErrAuthenticationFailed:
		auditLog.LogLogin("", identifier, false, details)
		return user.User{}, errAuthenticationFailed
	case user.ErrAccountDeactivated:
		details["reason"] = "deactivated"
		auditLog.LogLogin("", identifier, false, details)
		return user.User{}, errAccountDeactivated
	}
	return user.User{}, errors.Wrap(err, "logging in")
}

func getContextClaims(ctx echo.Context) (Claims, error) {
	if token, ok := ctx.Get(jwtContextKey).(*jwt.Token); ok {
		if claims, ok := token.Claims.(*Claims); ok {
			return *claims, nil
		}
	}
	return Claims{}, errUnauthorized
}

// getContextSession returns an anonymous session when the request carries no valid token.
func getContextSession(ctx echo.Context) core.Session {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return core.Session{}
	}
	return claims.Session()
}

func getContextUser(ctx echo.Context, svc user.Service, clms ...Claims) (user.User, error) {
	if usr, ok := ctx.Get(contextUserKey).(user.User); ok {
		return usr, nil
	}

	var claims Claims
	var err error
	if len(clms) > 0 {
		claims = clms[0]
	} else {
		claims, err = getContextClaims(ctx)
		if err != nil {
			return user.User{}, errors.Wrap(err, "getting context claims")
		}
	}

	usr, err := svc.GetByID(ctx.Request().Context(), claims.Subject)
	if err != nil {
		if errors.Cause(err) == user.ErrNotFound {
			return user.User{}, errUnauthorized
		}
		return user.User{}, errors.Wrap(err, "finding user by ID")
	}
	ctx.Set(contextUserKey, usr)
	return usr, nil
}

func contextHasAnyRole(ctx echo.Context, roles []string) bool {
	if len(roles) == 0 {
		return true
	}
	if claims, err := getContextClaims(ctx); err == nil {
		for _, role := range roles {
			for _, r := range claims.Roles {
				if r == role {
					return true
				}
			}
		}
	}
	return false
}

func (ti *tokenIssuer) refresh(ctx echo.Context, svc user.Service) (string, error) {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return "", errors.Wrap(err, "getting context claims")
	}

	usr, err := getContextUser(ctx, svc, claims)
	if err != nil {
		return "", errors.Wrap(err, "getting context user")
	}

	// check if user is still active
	if usr.IsActive != nil && !*usr.IsActive {
		return "", errAccountDeactivated
	}

	// check if refresh has not expired
	expTime := time.Unix(claims.OrigIssuedAt, 0).Add(ti.conf.Server.JWTRefreshExpirationDelta)
	if time.Now().After(expTime) {
		return "", errRefreshExpired
	}

	token, err := ti.sign(ti.claims(usr, claims.OrigIssuedAt))
	return token, errors.Wrap(err, "generating token")
}
