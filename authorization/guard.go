package authorization

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	jwt "github.com/appleboy/gin-jwt/v2"
	"github.com/gin-gonic/gin"
)

const (
	identityKey    = "user_id"
	defaultRealm   = "composer"
	defaultTimeout = time.Hour
)

var ErrMissingSecret = errors.New("authorization: JWT secret is required")

// Identity 是令牌中携带的编辑者身份。
type Identity struct {
	UserID   string   `json:"user_id"`
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
}

// Guard 封装 JWT 中间件，只校验由账号服务签发的令牌。
type Guard struct {
	jwt *jwt.GinJWTMiddleware
}

// NewGuardFromEnv 使用 JWT_SECRET 与 JWT_REALM 构建守卫，未配置密钥时返回 nil。
func NewGuardFromEnv() (*Guard, error) {
	secret := strings.TrimSpace(os.Getenv("JWT_SECRET"))
	if secret == "" {
		return nil, nil
	}
	return NewGuard(secret, strings.TrimSpace(os.Getenv("JWT_REALM")))
}

// NewGuard 根据密钥构建守卫。令牌可以放在 Authorization 头、token 查询参数
// 或 jwt/token cookie 中，浏览器的 WebSocket 握手只能使用后两者。
func NewGuard(secret, realm string) (*Guard, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrMissingSecret
	}
	if realm == "" {
		realm = defaultRealm
	}

	middleware, err := jwt.New(&jwt.GinJWTMiddleware{
		Realm:       realm,
		Key:         []byte(secret),
		Timeout:     defaultTimeout,
		MaxRefresh:  24 * time.Hour,
		IdentityKey: identityKey,
		PayloadFunc: func(data interface{}) jwt.MapClaims {
			if identity, ok := data.(*Identity); ok {
				return jwt.MapClaims{
					identityKey: identity.UserID,
					"username":  identity.Username,
					"roles":     identity.Roles,
				}
			}
			return jwt.MapClaims{}
		},
		IdentityHandler: func(c *gin.Context) interface{} {
			claims := jwt.ExtractClaims(c)
			return &Identity{
				UserID:   extractUserID(claims),
				Username: stringClaim(claims, "username"),
				Roles:    extractRoles(claims),
			}
		},
		Authorizator: func(data interface{}, c *gin.Context) bool {
			identity, ok := data.(*Identity)
			return ok && identity.UserID != ""
		},
		Unauthorized: func(c *gin.Context, code int, message string) {
			c.JSON(code, gin.H{"error": message})
		},
		TokenLookup:   "header: Authorization, query: token, cookie: jwt, cookie: token",
		TokenHeadName: "Bearer",
		TimeFunc:      time.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("authorization: init jwt middleware: %w", err)
	}
	return &Guard{jwt: middleware}, nil
}

// Issue 为给定身份签发令牌，供联调与测试使用。
func (g *Guard) Issue(identity Identity) (string, time.Time, error) {
	if g == nil || g.jwt == nil {
		return "", time.Time{}, ErrMissingSecret
	}
	return g.jwt.TokenGenerator(&identity)
}

// RequireAuthenticated 确保请求携带有效的 JWT。
func (g *Guard) RequireAuthenticated() gin.HandlerFunc {
	if g == nil || g.jwt == nil {
		return func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		}
	}
	return g.jwt.MiddlewareFunc()
}

// RequireAnyRole 要求请求至少具备指定角色之一。
func (g *Guard) RequireAnyRole(roles ...string) gin.HandlerFunc {
	normalized := make([]string, 0, len(roles))
	humanReadable := make([]string, 0, len(roles))
	for _, role := range roles {
		trimmed := strings.TrimSpace(role)
		if trimmed != "" {
			normalized = append(normalized, strings.ToLower(trimmed))
			humanReadable = append(humanReadable, trimmed)
		}
	}

	if len(normalized) == 0 {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	return func(c *gin.Context) {
		claims := jwt.ExtractClaims(c)
		if len(claims) == 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		for _, has := range extractRoles(claims) {
			candidate := strings.ToLower(strings.TrimSpace(has))
			for _, expected := range normalized {
				if candidate == expected {
					c.Next()
					return
				}
			}
		}

		message := fmt.Sprintf("%s role required", humanReadable[0])
		if len(humanReadable) > 1 {
			message = fmt.Sprintf("one of [%s] roles required", strings.Join(humanReadable, ", "))
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": message})
	}
}

// IdentityFrom 读取中间件写入上下文的身份。
func IdentityFrom(c *gin.Context) (Identity, bool) {
	value, ok := c.Get(identityKey)
	if !ok {
		return Identity{}, false
	}
	identity, ok := value.(*Identity)
	if !ok || identity == nil {
		return Identity{}, false
	}
	return *identity, true
}

// extractUserID 兼容字符串与数字形式的用户 id。
func extractUserID(claims jwt.MapClaims) string {
	if claims == nil {
		return ""
	}
	switch v := claims[identityKey].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	case uint:
		return strconv.FormatUint(uint64(v), 10)
	case json.Number:
		return v.String()
	}
	return ""
}

func stringClaim(claims jwt.MapClaims, key string) string {
	value, _ := claims[key].(string)
	return strings.TrimSpace(value)
}

func extractRoles(claims jwt.MapClaims) []string {
	if claims == nil {
		return []string{}
	}

	switch raw := claims["roles"].(type) {
	case []string:
		return append([]string{}, raw...)
	case []interface{}:
		roles := make([]string, 0, len(raw))
		for _, role := range raw {
			if name, ok := role.(string); ok {
				roles = append(roles, name)
			}
		}
		return roles
	default:
		return []string{}
	}
}
