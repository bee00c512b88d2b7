package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/betbot/deritrader/internal/controlplane/server"
	"github.com/betbot/deritrader/internal/instruments"
	"github.com/betbot/deritrader/internal/metrics"
	"github.com/betbot/deritrader/internal/session"
	"github.com/betbot/deritrader/internal/transport"
	"github.com/betbot/deritrader/pkg/config"
	"github.com/betbot/deritrader/pkg/logger"
	"github.com/betbot/deritrader/pkg/ratelimit"
	"github.com/betbot/deritrader/pkg/secretstore"
	"github.com/betbot/deritrader/pkg/shutdown"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径（支持 .yaml, .yml, .json）")
	envFile := flag.String("env", ".env", "环境变量文件，不存在时忽略")
	saveCredentials := flag.Bool("save-credentials", false, "把当前凭证写入加密凭证库后退出")
	currencies := flag.String("currencies", "BTC,ETH", "下单前校验合约时搜索的币种（逗号分隔）")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(errors.Cause(err)) {
		fmt.Fprintf(os.Stderr, "加载 %s 失败: %v\n", *envFile, err)
	}

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "配置无效: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		OutputFile: cfg.Log.File,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
		DailyFile:  cfg.Log.DailyFile,
		Console:    os.Stderr, // stdout 留给交互输出
	}); err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}

	if *saveCredentials {
		if err := storeCredentials(cfg); err != nil {
			logrus.Errorf("保存凭证失败: %v", err)
			os.Exit(1)
		}
		logrus.Infof("✅ 凭证已写入 %s", cfg.SecretStore.Path)
		return
	}

	if err := run(cfg, splitList(*currencies)); err != nil {
		logrus.Errorf("退出: %v", err)
		_ = logger.Close()
		os.Exit(1)
	}
	_ = logger.Close()
}

func run(cfg *config.Config, currencies []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clientID, clientSecret, err := resolveCredentials(cfg)
	if err != nil {
		return err
	}

	sess := session.New(sessionConfig(cfg))
	sm := shutdown.NewManager()
	sm.OnShutdown("session", func(context.Context) error { return sess.Close() })
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := sm.Shutdown(shutdownCtx); err != nil {
			logrus.Warnf("关闭时出错: %v", err)
		}
	}()

	if err := sess.Connect(ctx); err != nil {
		return errors.Wrap(err, "connect")
	}

	if clientID != "" {
		auth, err := sess.Authenticate(ctx, clientID, clientSecret)
		if err != nil {
			return errors.Wrap(err, "authenticate")
		}
		logrus.Infof("🔐 已认证 scope=%s expires=%s", auth.Scope, auth.ExpiresAt.Format(time.RFC3339))
	} else {
		logrus.Warnf("未配置凭证，只能调用公共方法")
	}

	if iv := cfg.Exchange.HeartbeatInterval; iv > 0 {
		if err := sess.EnableHeartbeat(ctx, iv); err != nil {
			logrus.Warnf("启用心跳失败: %v", err)
		}
	}

	cat := instruments.NewRESTCatalog(cfg.RESTBaseURL(), currencies, 10*time.Minute)
	con := &console{tr: sess, cat: cat, out: os.Stdout}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Listen != "" {
		g.Go(func() error { return metrics.Serve(gctx, cfg.Metrics.Listen) })
	}
	if cfg.Status.Listen != "" {
		g.Go(func() error { return server.New(sess).Serve(gctx, cfg.Status.Listen) })
	}
	if clientID != "" {
		g.Go(func() error { return refreshLoop(gctx, sess) })
	}
	g.Go(func() error {
		return reconnectLoop(gctx, sess, func(ctx context.Context) error {
			if clientID != "" {
				if _, err := sess.Authenticate(ctx, clientID, clientSecret); err != nil {
					return errors.Wrap(err, "authenticate")
				}
			}
			if iv := cfg.Exchange.HeartbeatInterval; iv > 0 {
				return sess.EnableHeartbeat(ctx, iv)
			}
			return nil
		})
	})
	g.Go(func() error {
		defer stop() // 控制台退出时结束其它任务
		return con.run(gctx, os.Stdin)
	})
	return g.Wait()
}

func sessionConfig(cfg *config.Config) session.Config {
	rl := cfg.Calls.RateLimit
	return session.Config{
		Transport: transport.Config{
			URL:              cfg.WebSocketURL(),
			ProxyURL:         cfg.Exchange.ProxyURL,
			HandshakeTimeout: cfg.Exchange.HandshakeTimeout,
			WriteTimeout:     cfg.Exchange.WriteTimeout,
			PingInterval:     cfg.Exchange.PingInterval,
		},
		CallTimeout: cfg.Calls.Timeout,
		QueueSize:   cfg.Subscriptions.QueueSize,
		RateLimits: ratelimit.Limits{
			MatchingRate:     rl.MatchingRate,
			MatchingBurst:    rl.MatchingBurst,
			NonMatchingRate:  rl.NonMatchingRate,
			NonMatchingBurst: rl.NonMatchingBurst,
		},
	}
}

// resolveCredentials 优先使用环境变量/配置文件，其次读取加密凭证库
func resolveCredentials(cfg *config.Config) (string, string, error) {
	if cfg.HasCredentials() {
		return cfg.Credentials.ClientID, cfg.Credentials.ClientSecret, nil
	}
	if cfg.SecretStore.Path == "" {
		return "", "", nil
	}
	if _, err := os.Stat(cfg.SecretStore.Path); os.IsNotExist(err) {
		return "", "", nil
	}
	store, err := openStore(cfg, true)
	if err != nil {
		return "", "", err
	}
	defer store.Close()

	id, secret, ok, err := store.LoadCredentials()
	if err != nil {
		return "", "", err
	}
	if !ok {
		return "", "", nil
	}
	logrus.Infof("从凭证库加载 client_id=%s", id)
	return id, secret, nil
}

func storeCredentials(cfg *config.Config) error {
	if !cfg.HasCredentials() {
		return errors.New("DERIBIT_CLIENT_ID / DERIBIT_CLIENT_SECRET 未设置")
	}
	store, err := openStore(cfg, false)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.SaveCredentials(cfg.Credentials.ClientID, cfg.Credentials.ClientSecret)
}

func openStore(cfg *config.Config, readOnly bool) (*secretstore.Store, error) {
	key, err := secretstore.ParseKey(cfg.SecretStore.Key)
	if err != nil {
		return nil, err
	}
	return secretstore.Open(secretstore.OpenOptions{
		Path:          cfg.SecretStore.Path,
		EncryptionKey: key,
		ReadOnly:      readOnly,
	})
}

const minRefreshWait = 5 * time.Second

// refreshLoop 在 token 剩余有效期不足 20% 时用 refresh_token 续期
func refreshLoop(ctx context.Context, sess *session.Session) error {
	for {
		wait := time.Minute
		if auth := sess.Auth(); auth != nil {
			wait = time.Until(auth.ExpiresAt) * 4 / 5
		}
		if wait < minRefreshWait {
			wait = minRefreshWait
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		if sess.State() != session.StateAuthenticated {
			continue
		}
		auth, err := sess.RefreshAuth(ctx)
		if err != nil {
			logrus.Warnf("刷新 token 失败: %v", err)
			continue
		}
		logrus.Infof("🔄 token 已刷新 expires=%s", auth.ExpiresAt.Format(time.RFC3339))
	}
}

// reconnectLoop 在连接断开后重新连接，setup 负责重新认证；订阅需要手动重新发起
func reconnectLoop(ctx context.Context, sess *session.Session, setup func(context.Context) error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sess.ConnectionLost():
		}
		logrus.Warnf("⚠️ 连接已断开，开始重连（之前的订阅需要重新 sub）")

		backoff := time.Second
		for {
			err := sess.Connect(ctx)
			if err == nil {
				err = setup(ctx)
				if err == nil {
					logrus.Infof("✅ 重连成功 state=%s", sess.State())
					break
				}
				// 凭证被拒绝时重试没有意义，直接退出
				_ = sess.Close()
				return errors.Wrap(err, "reconnect")
			}
			if sess.State() == session.StateClosed || ctx.Err() != nil {
				return nil
			}
			logrus.Warnf("重连失败: %v，%s 后重试", err, backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
		}
	}
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, strings.ToUpper(s))
		}
	}
	return out
}
