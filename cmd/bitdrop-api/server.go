package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MarcoPoloResearchLab/bitdrop/internal/accesskeys"
	"github.com/MarcoPoloResearchLab/bitdrop/internal/btc"
	"github.com/MarcoPoloResearchLab/bitdrop/internal/claims"
	"github.com/MarcoPoloResearchLab/bitdrop/internal/config"
	"github.com/MarcoPoloResearchLab/bitdrop/internal/database"
	"github.com/MarcoPoloResearchLab/bitdrop/internal/drops"
	"github.com/MarcoPoloResearchLab/bitdrop/internal/kdf"
	"github.com/MarcoPoloResearchLab/bitdrop/internal/logging"
	"github.com/MarcoPoloResearchLab/bitdrop/internal/proofs"
	"github.com/MarcoPoloResearchLab/bitdrop/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/bitdrop/internal/server"
	"github.com/MarcoPoloResearchLab/bitdrop/internal/signer"
	"github.com/MarcoPoloResearchLab/bitdrop/internal/watchdog"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	redisDialTimeout  = 5 * time.Second
	claimAllowance    = 0
)

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFile)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	accessKeys, err := accesskeys.Open(appConfig.AccessKeysPath)
	if err != nil {
		return err
	}
	defer accessKeys.Close()
	grantedKeys, err := accessKeys.Count()
	if err != nil {
		return err
	}
	logger.Info("access keys loaded", zap.String("path", appConfig.AccessKeysPath), zap.Int("granted", grantedKeys))

	tokenManager, err := newTokenManager(appConfig)
	if err != nil {
		return err
	}

	deriver, err := newAddressDeriver(appConfig)
	if err != nil {
		return err
	}

	signingClient, closeSigner, err := newSigner(appConfig, logger)
	if err != nil {
		return err
	}
	defer closeSigner()

	store, err := drops.NewStore(drops.StoreConfig{
		Database:   db,
		AccessKeys: accessKeys,
		OperatorID: appConfig.OperatorID,
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	registry, err := drops.NewRegistry(drops.RegistryConfig{
		Store:      store,
		AccessKeys: accessKeys,
		Allowance:  claimAllowance,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	attempts, err := claims.NewAttemptStore(db, logger)
	if err != nil {
		return err
	}
	coordinator, err := claims.NewCoordinator(claims.CoordinatorConfig{
		Signer:     signingClient,
		KeyVersion: appConfig.Signer.KeyVersion,
		IDProvider: claims.NewUUIDProvider(),
		Recorder:   attempts,
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	verifier, err := proofs.NewVerifier(proofs.Config{
		AuthPublicKeyHex: appConfig.ProofAuthPublicKey,
		MaxAge:           appConfig.ProofMaxAge,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, redisDialTimeout)
	limiter, err := ratelimit.Dial(dialCtx, appConfig.RateLimit.RedisURL, ratelimit.Config{
		Prefix: appConfig.RateLimit.Prefix,
		Limit:  appConfig.RateLimit.ClaimsPerMinute,
		Window: time.Minute,
		Logger: logger,
	})
	cancelDial()
	if err != nil {
		return err
	}
	defer limiter.Close() //nolint:errcheck

	realtime := server.NewRealtimeDispatcher()
	claimService, err := claims.NewService(claims.ServiceConfig{
		Store:       store,
		Registry:    registry,
		Proofs:      verifier,
		Coordinator: coordinator,
		Events:      realtime,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	sweeper, err := watchdog.New(coordinator, watchdog.Config{
		Schedule: appConfig.WatchdogSchedule,
		Timeout:  appConfig.Signer.Timeout,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: tokenManager,
		Store:        store,
		Registry:     registry,
		Claims:       claimService,
		Proofs:       verifier,
		Limiter:      limiterOrNil(limiter),
		Addresses:    deriver,
		Attempts:     attempts,
		Realtime:     realtime,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweeper.Start()
	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("network", appConfig.Network),
			zap.String("signer_mode", appConfig.Signer.Mode),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var shutdownErr error
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			shutdownErr = err
		}
		<-sweeper.Stop().Done()
		if err := coordinator.Drain(shutdownCtx); err != nil {
			logger.Warn("signing attempts still in flight at shutdown",
				zap.Int("in_flight", coordinator.InFlight()),
				zap.Error(err),
			)
		}
		logger.Info("server stopped")
		return shutdownErr
	})
	return group.Wait()
}

// limiterOrNil keeps a disabled limiter from becoming a non-nil interface.
func limiterOrNil(limiter *ratelimit.Limiter) server.RateLimiter {
	if limiter == nil {
		return nil
	}
	return limiter
}

func newAddressDeriver(appConfig config.AppConfig) (kdf.Deriver, error) {
	params, err := btc.NetworkParams(appConfig.Network)
	if err != nil {
		return kdf.Deriver{}, err
	}
	root, err := rootPublicKey(appConfig.Signer)
	if err != nil {
		return kdf.Deriver{}, err
	}
	return kdf.Deriver{Root: root, SignerID: appConfig.Signer.AccountID, Params: params}, nil
}

// rootPublicKey prefers the configured public key and falls back to the local secret.
func rootPublicKey(signerConfig config.SignerConfig) (*btcec.PublicKey, error) {
	if signerConfig.RootPublicKey != "" {
		return kdf.ParseRootPublicKey(signerConfig.RootPublicKey)
	}
	secret, err := kdf.ParseRootSecretHex(signerConfig.RootSecret)
	if err != nil {
		return nil, err
	}
	_, publicKey := btcec.PrivKeyFromBytes(secret)
	return publicKey, nil
}

func newSigner(appConfig config.AppConfig, logger *zap.Logger) (signer.Signer, func(), error) {
	signerConfig := appConfig.Signer
	switch signerConfig.Mode {
	case config.SignerModeLocal:
		secret, err := kdf.ParseRootSecretHex(signerConfig.RootSecret)
		if err != nil {
			return nil, nil, err
		}
		local, err := signer.NewLocalSigner(secret, signerConfig.AccountID)
		if err != nil {
			return nil, nil, err
		}
		logger.Warn("using in-process signer; not for production funds")
		return local, func() {}, nil
	case config.SignerModeHTTP:
		remote, err := signer.NewHTTPSigner(signer.HTTPConfig{
			URL:     signerConfig.URL,
			Timeout: signerConfig.Timeout,
			Logger:  logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return remote, func() {}, nil
	case config.SignerModeAMQP:
		broker, err := signer.DialAMQP(signer.AMQPConfig{
			URL:        signerConfig.AMQPURL,
			Exchange:   signerConfig.Exchange,
			RoutingKey: signerConfig.RoutingKey,
			ReplyQueue: signerConfig.ReplyQueue,
			Timeout:    signerConfig.Timeout,
			Logger:     logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return broker, broker.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported signer mode %q", signerConfig.Mode)
	}
}
