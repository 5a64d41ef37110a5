package httpapi

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"exsa/internal/model"
	"exsa/internal/queue"
)

// Deps bundles everything the router's handlers need, replacing the
// teacher's package-level *Server receiver with an explicit dependency
// struct (gin handlers are methods on this instead of on main.Server).
type Deps struct {
	Queue               *queue.Queue
	Models              *model.Manager
	Logger              *zap.Logger
	DefaultSystemPrompt string
	ContextSize         int
	ModelsDir           string
	Version             string
	StartTime           time.Time
}

type server struct {
	Deps
}

func (s *server) modelsDir() string { return s.ModelsDir }

// New builds the gin engine implementing spec.md §6's route table plus the
// supplemented introspection endpoints, grounded on
// original_source/src/api/routes.rs's build_router.
func New(deps Deps) *gin.Engine {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	s := &server{Deps: deps}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLogger())
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Authorization"},
	}))

	v1 := r.Group("/v1")
	{
		v1.POST("/generate", s.handleGenerate)
		v1.POST("/chat/completions", s.handleChatCompletions)
		v1.GET("/health", s.handleHealth)
		v1.GET("/status", s.handleStatus)
		v1.POST("/models/load", s.handleLoadModel)
		v1.GET("/models/list", s.handleModelsList)
		v1.GET("/models/active", s.handleActiveModel)
		v1.GET("/model/info", s.handleModelInfo)
	}

	return r
}

// requestLogger replaces gin's default text logger with a structured zap
// entry per request, in the style of internal/logging's shared *zap.Logger.
func (s *server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.Logger.Info("http_request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
