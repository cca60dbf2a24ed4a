package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"anycache/pkg/cache"
)

var (
	logLevel   = flag.String("log-level", "info", "日志级别 (debug, info, warn, error)")
	logFormat  = flag.String("log-format", "json", "日志格式 (json or text)")
	configPath = flag.String("config", "", "配置文件路径 (例如 ./config/cache_server.yaml)")
)

// Config 服务配置
type Config struct {
	Server struct {
		Port string `mapstructure:"port"`
		Mode string `mapstructure:"mode"` // debug, release, test
	} `mapstructure:"server"`

	Backend string `mapstructure:"backend"` // memory, file, redis

	Cache struct {
		DefaultTTL time.Duration `mapstructure:"default_ttl"`
		MaxSize    int64         `mapstructure:"max_size"`
		Policy     string        `mapstructure:"policy"` // LRU, LFU
		Dir        string        `mapstructure:"dir"`
		Namespace  string        `mapstructure:"namespace"`
	} `mapstructure:"cache"`

	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	Breaker struct {
		Enabled     bool   `mapstructure:"enabled"`
		ReadyToTrip uint32 `mapstructure:"ready_to_trip"`
	} `mapstructure:"breaker"`
}

// CacheServer 对外暴露缓存操作的HTTP服务
type CacheServer struct {
	cache  cache.Cache
	logger *logrus.Logger
	server *http.Server
}

type setRequest struct {
	Value      interface{} `json:"value" binding:"required"`
	TTLSeconds *int64      `json:"ttl_seconds"`
}

type incrRequest struct {
	Delta int64 `json:"delta"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func main() {
	flag.Parse()

	logger := logrus.New()
	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal("无效的日志级别")
	}
	logger.SetLevel(level)

	switch *logFormat {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{})
	default:
		logger.Fatal("无效的日志格式")
	}

	config, err := loadConfig()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	engine, err := buildCache(config, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to build cache backend")
	}
	defer engine.Close()

	srv := &CacheServer{
		cache:  engine,
		logger: logger,
	}

	if err := srv.Start(config); err != nil {
		logger.WithError(err).Fatal("Failed to start cache server")
	}

	// 等待退出信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down cache server...")
	srv.Stop()
}

func loadConfig() (*Config, error) {
	viper.SetConfigName("cache_server")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	viper.AddConfigPath(".")
	if *configPath != "" {
		viper.SetConfigFile(*configPath)
	}

	// Set defaults
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.mode", "release")
	viper.SetDefault("backend", "memory")
	viper.SetDefault("cache.default_ttl", time.Hour)
	viper.SetDefault("cache.max_size", 100)
	viper.SetDefault("cache.policy", "LRU")
	viper.SetDefault("cache.dir", "./cache_data")
	viper.SetDefault("cache.namespace", "anycache")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("breaker.enabled", false)
	viper.SetDefault("breaker.ready_to_trip", 5)

	if err := viper.ReadInConfig(); err != nil {
		// 配置文件不存在时使用默认值
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

// buildCache 按配置构造缓存后端，可选地套上熔断器
func buildCache(config *Config, logger *logrus.Logger) (cache.Cache, error) {
	cacheConfig := cache.Config{
		DefaultTTL: config.Cache.DefaultTTL,
		MaxSize:    config.Cache.MaxSize,
		Policy:     cache.PolicyType(config.Cache.Policy),
		Dir:        config.Cache.Dir,
		Namespace:  config.Cache.Namespace,
	}

	if config.Backend == cache.BackendRedis {
		client := redis.NewClient(&redis.Options{
			Addr:     config.Redis.Addr,
			Password: config.Redis.Password,
			DB:       config.Redis.DB,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("连接 Redis 失败: %w", err)
		}
		cacheConfig.Client = client
		logger.WithField("addr", config.Redis.Addr).Info("Connected to Redis")
	}

	engine, err := cache.New(config.Backend, cacheConfig)
	if err != nil {
		return nil, err
	}

	if config.Breaker.Enabled {
		breakerConfig := cache.DefaultBreakerConfig()
		breakerConfig.ReadyToTrip = config.Breaker.ReadyToTrip
		engine = cache.NewBreakerCache(engine, breakerConfig)
		logger.Info("Circuit breaker enabled")
	}

	logger.WithFields(logrus.Fields{
		"backend": config.Backend,
		"policy":  config.Cache.Policy,
	}).Info("Cache backend ready")
	return engine, nil
}

// Start 启动HTTP服务
func (s *CacheServer) Start(config *Config) error {
	gin.SetMode(config.Server.Mode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestIDMiddleware())

	router.GET("/health", s.handleHealth)

	api := router.Group("/api/v1")
	{
		api.GET("/cache/:key", s.handleGet)
		api.PUT("/cache/:key", s.handleSet)
		api.DELETE("/cache/:key", s.handleDelete)
		api.POST("/cache/:key/incr", s.handleIncrement)
		api.GET("/cache/:key/ttl", s.handleGetTTL)
		api.DELETE("/cache", s.handleClear)
		api.GET("/metrics", s.handleMetrics)
	}

	s.server = &http.Server{
		Addr:    ":" + config.Server.Port,
		Handler: router,
	}

	go func() {
		s.logger.WithField("port", config.Server.Port).Info("Cache server listening")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop 优雅停机
func (s *CacheServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.WithError(err).Error("Server shutdown error")
	}
}

// requestIDMiddleware 为每个请求分配追踪ID
func (s *CacheServer) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func (s *CacheServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *CacheServer) handleGet(c *gin.Context) {
	key := c.Param("key")

	value, err := s.cache.Get(c.Request.Context(), key)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "value": value})
}

func (s *CacheServer) handleSet(c *gin.Context) {
	key := c.Param("key")

	var req setRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "bad_request", Message: err.Error()})
		return
	}

	var err error
	if req.TTLSeconds != nil {
		err = s.cache.Set(c.Request.Context(), key, req.Value, time.Duration(*req.TTLSeconds)*time.Second)
	} else {
		err = s.cache.Set(c.Request.Context(), key, req.Value)
	}
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "stored": true})
}

func (s *CacheServer) handleDelete(c *gin.Context) {
	key := c.Param("key")

	removed, err := s.cache.Delete(c.Request.Context(), key)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "deleted": removed})
}

func (s *CacheServer) handleIncrement(c *gin.Context) {
	key := c.Param("key")

	req := incrRequest{Delta: 1}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "bad_request", Message: err.Error()})
			return
		}
	}

	value, err := s.cache.Increment(c.Request.Context(), key, req.Delta)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "value": value})
}

func (s *CacheServer) handleGetTTL(c *gin.Context) {
	key := c.Param("key")

	remaining, err := s.cache.GetTTL(c.Request.Context(), key)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "ttl_seconds": remaining.Seconds()})
}

func (s *CacheServer) handleClear(c *gin.Context) {
	if err := s.cache.Clear(c.Request.Context()); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": true})
}

func (s *CacheServer) handleMetrics(c *gin.Context) {
	m, err := s.cache.Metrics(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// respondError 把缓存域错误映射为HTTP状态码
func (s *CacheServer) respondError(c *gin.Context, err error) {
	switch {
	case cache.IsCode(err, cache.ErrCacheMiss):
		c.JSON(http.StatusNotFound, errorResponse{Error: "cache_miss", Message: err.Error()})
	case cache.IsCode(err, cache.ErrInvalidKey),
		cache.IsCode(err, cache.ErrInvalidTTL),
		cache.IsCode(err, cache.ErrInvalidArgument),
		cache.IsCode(err, cache.ErrNonNumericValue):
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid_request", Message: err.Error()})
	default:
		s.logger.WithError(err).Error("cache operation failed")
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal_error", Message: err.Error()})
	}
}
