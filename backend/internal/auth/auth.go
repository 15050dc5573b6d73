package auth

import (
	"errors"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrAuthenticationFailed = errors.New("AUTHENTICATION_FAILED")

// Verifier 认证协作方的边界：引擎拿 token 换已认证的用户身份，
// 每个新连接只调一次，失败的连接进不了任何房间。
type Verifier interface {
	Verify(token string) (userID uint64, username string, err error)
}

type Claims struct {
	UserID   uint64 `json:"sub"`
	Username string `json:"username"`
	Type     string `json:"typ"`
	jwt.RegisteredClaims
}

// JWTVerifier HS256 本地校验实现。签发方是外部认证服务，
// 双方共享同一个密钥。
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	if secret == "" {
		secret = os.Getenv("JWT_SECRET")
	}
	if secret == "" {
		secret = "dev-secret"
	}
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) Verify(tokenString string) (uint64, string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrAuthenticationFailed
		}
		return v.secret, nil
	})
	if err != nil {
		return 0, "", ErrAuthenticationFailed
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return 0, "", ErrAuthenticationFailed
	}
	// 只接受 access token，刷新令牌不能用来开连接
	if claims.Type != "" && claims.Type != "access" {
		return 0, "", ErrAuthenticationFailed
	}
	return claims.UserID, claims.Username, nil
}

// SignAccessToken 签发 access token，主要给本地联调和测试用。
func SignAccessToken(secret string, userID uint64, username string, ttl time.Duration) (string, error) {
	if secret == "" {
		secret = "dev-secret"
	}
	claims := &Claims{
		UserID:   userID,
		Username: username,
		Type:     "access",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
