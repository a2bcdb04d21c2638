package dast

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// wellKnownPaths are requested through the daemon before crawling so that
// pages nothing links to still end up in its site tree.
var wellKnownPaths = []string{
	// metadata and config leaks
	"robots.txt", "sitemap.xml", "humans.txt", "security.txt", ".well-known/security.txt",
	".env", ".env.local", ".env.production", ".git/HEAD", ".git/config", ".gitignore",
	".htaccess", ".DS_Store", "config.json", "config.js", "config.yml", "settings.py",
	"package.json", "package-lock.json", "requirements.txt", "Dockerfile", "docker-compose.yml",
	"web.config", "crossdomain.xml", "server-status", "phpinfo.php",
	// auth
	"login", "logout", "register", "signup", "signin", "auth", "auth/login", "auth/register",
	"auth/logout", "oauth/authorize", "password/reset", "forgot-password", "profile", "account",
	"users", "user", "me", "session",
	// admin
	"admin", "admin/", "admin/login", "administrator", "dashboard", "manage", "console",
	"debug", "_debug", "__debug__", "status", "health", "healthz", "metrics", "info", "version",
	// api
	"api", "api/", "api/v1", "api/v2", "api/docs", "api/swagger", "api/health", "api/status",
	"api/users", "api/user", "api/auth", "api/login", "api/admin", "api/config", "api/items",
	"api/products", "api/orders", "api/search", "graphql", "graphiql",
	"swagger.json", "swagger-ui", "swagger-ui.html", "openapi.json", "docs", "redoc",
	// static
	"static/", "assets/", "public/", "js/", "css/", "images/", "img/", "uploads/", "files/",
	"media/", "build/", "dist/", "index.html", "main.js", "app.js", "bundle.js", "favicon.ico",
	"manifest.json", "service-worker.js",
	// backup and data
	"backup", "backup.zip", "backup.sql", "db.sqlite", "database.db", "dump.sql", "data.json",
	"test", "tmp", "logs", "log",
}

// Discover seeds the daemon with baseURL and every well-known path, at no
// more than rps requests per second. Individual failures are ignored; the
// count of successfully accessed paths is returned.
func Discover(ctx context.Context, api ScannerAPI, baseURL string, rps float64, logger *zap.Logger) int {
	base := strings.TrimRight(baseURL, "/")
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	limiter := rate.NewLimiter(limit, 1)

	ok := 0
	for _, p := range wellKnownPaths {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		if err := api.AccessURL(ctx, base+"/"+p); err != nil {
			logger.Debug("discovery probe failed", zap.String("path", p), zap.Error(err))
			continue
		}
		ok++
	}
	logger.Info("discovery finished", zap.Int("accessed", ok), zap.Int("probed", len(wellKnownPaths)))
	return ok
}
