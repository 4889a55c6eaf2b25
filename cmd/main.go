package main

import (
	"context"
	"errors"
	"os"
	"time"

	"supportchat-ws/internal/auth"
	"supportchat-ws/internal/config"
	"supportchat-ws/internal/coordinator"
	"supportchat-ws/internal/delivery"
	"supportchat-ws/internal/infrastructure/database"
	"supportchat-ws/internal/infrastructure/kafka"
	"supportchat-ws/internal/infrastructure/redis"
	"supportchat-ws/internal/logger"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	gormlogger "gorm.io/gorm/logger"
)

const shutdownTimeout = 30 * time.Second

func main() {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("application recovered from panic")
			os.Exit(1)
		}
	}()

	_ = godotenv.Load()
	cfg := config.LoadConfig()
	logger.Init(cfg.Environment, cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	log.Info().
		Str("environment", cfg.Environment).
		Str("port", cfg.Port).
		Str("instance", cfg.InstanceID).
		Str("cors_origins", cfg.GetCORSOrigins()).
		Msg("starting SupportChat server")

	dbLevel := gormlogger.Warn
	if cfg.IsDevelopment() {
		dbLevel = gormlogger.Info
	}
	db, err := database.Open(cfg.DatabasePath, dbLevel)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	store := database.NewStore(db)

	provider, err := auth.NewProvider(cfg.JWTSecret)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create auth provider")
	}

	opts := []coordinator.Option{
		coordinator.WithTypingQuietPeriod(cfg.TypingQuietPeriod),
		coordinator.WithAdminGrace(cfg.AdminStatusGrace),
		coordinator.WithRoomPruneInterval(cfg.RoomPruneInterval),
	}

	var redisClient *redis.RedisClient
	var cluster delivery.ClusterView
	if cfg.RedisEnabled {
		redisClient = redis.NewRedisClient(cfg.RedisAddr(), cfg.RedisPassword, cfg.InstanceID, cfg.RosterReadTimeout)
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := redisClient.Ping(pingCtx); err != nil {
			log.Warn().Err(err).Str("addr", cfg.RedisAddr()).Msg("redis connection failed, presence served locally until it recovers")
		} else {
			log.Info().Str("addr", cfg.RedisAddr()).Msg("redis connection successful")
		}
		cancel()
		cluster = redisClient
		opts = append(opts, coordinator.WithPresenceMirror(redisClient), coordinator.WithTypingMirror(redisClient))
	}

	var kafkaProducer *kafka.KafkaProducer
	if cfg.KafkaEnabled {
		kafkaProducer = kafka.NewKafkaProducer(cfg.KafkaBrokers, cfg.InstanceID)
		opts = append(opts,
			coordinator.WithPublisher(kafkaProducer),
			coordinator.WithChangeListener(kafkaProducer.PublishPresence),
		)
	}

	coord := coordinator.New(store, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var kafkaConsumer *kafka.KafkaConsumer
	if cfg.KafkaEnabled {
		// Every instance consumes every event, so group ids are per instance.
		groupID := cfg.KafkaGroupID + "-" + cfg.InstanceID
		kafkaConsumer = kafka.NewKafkaConsumer(cfg.KafkaBrokers, groupID, cfg.InstanceID, kafka.Topics, coord)
		kafkaConsumer.Start(ctx)
		log.Info().Strs("brokers", cfg.KafkaBrokers).Str("group_id", groupID).Msg("kafka relay started")
	}

	server := delivery.NewServer(cfg, coord, provider, cluster)
	go func() {
		if err := server.Start(); err != nil {
			log.Fatal().Err(err).Msg("server stopped")
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		shutdownTimeout,
		map[string]gfshutdown.Operation{
			"supportchat": func(shutdownCtx context.Context) error {
				log.Info().Msg("shutting down...")
				var errs []error
				if err := server.Shutdown(shutdownCtx); err != nil {
					errs = append(errs, err)
				}
				coord.Close()
				cancel()
				if kafkaConsumer != nil {
					if err := kafkaConsumer.Close(); err != nil {
						errs = append(errs, err)
					}
				}
				if kafkaProducer != nil {
					if err := kafkaProducer.Close(); err != nil {
						errs = append(errs, err)
					}
				}
				if redisClient != nil {
					if err := redisClient.Close(); err != nil {
						errs = append(errs, err)
					}
				}
				if err := store.Close(); err != nil {
					errs = append(errs, err)
				}
				return errors.Join(errs...)
			},
		},
	)

	exitCode := <-wait
	log.Info().Int("code", exitCode).Msg("application exited")
	os.Exit(exitCode)
}
