package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	_ "github.com/mattn/go-sqlite3"

	"github.com/clinsim/aivp/internal/api"
	dbstore "github.com/clinsim/aivp/internal/db"
	"github.com/clinsim/aivp/internal/middleware"
	"github.com/clinsim/aivp/internal/openai"
	"github.com/clinsim/aivp/internal/services"
	"github.com/clinsim/aivp/internal/tokenizer"
	"github.com/clinsim/aivp/internal/utils"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("load .env: %v", err)
	}

	addr := utils.SafeEnv("AIVP_ADDR", ":8080")
	commit := os.Getenv("AIVP_COMMIT")
	buildTime := os.Getenv("AIVP_BUILD_TIME")

	store, err := buildStore()
	if err != nil {
		log.Fatalf("store: %v", err)
	}

	provider, err := openai.NewClient(openai.Config{
		APIKey:  os.Getenv("AIVP_OPENAI_API_KEY"),
		BaseURL: os.Getenv("AIVP_OPENAI_BASE_URL"),
		Model:   os.Getenv("AIVP_OPENAI_MODEL"),
	})
	if err != nil {
		log.Fatalf("openai: %v", err)
	}

	mux := http.NewServeMux()
	router := api.NewRouter(store, provider, tokenizer.New(), services.TokenSigner(middleware.SignToken), provider.Model())
	router.Register(mux)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":         true,
			"name":       "AIVP API",
			"commit":     commit,
			"build_time": buildTime,
		})
	})
	mux.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"commit":     commit,
			"build_time": buildTime,
		})
	})

	if staticDir := os.Getenv("AIVP_STATIC_DIR"); staticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(staticDir)))
	}

	handler := middleware.NoStore(middleware.SecureHeaders(middleware.CORS(middleware.WithAuth(mux))))

	log.Printf("AIVP server listening on %s", addr)
	if err := http.ListenAndServe(addr, handler); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// buildStore opens the SQLite store when AIVP_DB_PATH is set and falls back to
// the in-memory store otherwise.
func buildStore() (api.Store, error) {
	sqlitePath := os.Getenv("AIVP_DB_PATH")
	if sqlitePath == "" {
		log.Printf("AIVP_DB_PATH not set, using in-memory store")
		return api.NewMemoryStore(), nil
	}
	if err := os.MkdirAll(filepath.Dir(sqlitePath), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_busy_timeout=5000", filepath.ToSlash(sqlitePath))
	sqliteDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := dbstore.RunMigrations(sqliteDB, os.Getenv("AIVP_MIGRATIONS_DIR")); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return dbstore.NewStore(sqliteDB)
}
