package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"boardmail/backend/internal/config"
	"boardmail/backend/internal/credential"
	"boardmail/backend/internal/domain"
	"boardmail/backend/internal/logger"
	"boardmail/backend/internal/provider/gmail"
	"boardmail/backend/internal/service"
	"boardmail/backend/internal/storage/postgres"
)

// connect-account 把一个外部邮箱连接到看板，令牌经保险库加密后保存。
//
// Gmail：先不带 -code 运行获取授权链接，授权后带 -code 再运行。
// IMAP（Google OAuth）：同样使用 -code，或直接提供 -refresh-token。
func main() {
	boardID := flag.String("board", "", "看板ID")
	owner := flag.String("owner", "", "账户所有者用户ID")
	kind := flag.String("provider", "gmail", "提供商: gmail 或 imap")
	address := flag.String("address", "", "邮箱地址")
	imapHost := flag.String("imap-host", "imap.gmail.com", "IMAP 主机")
	imapPort := flag.Int("imap-port", 993, "IMAP 端口")
	code := flag.String("code", "", "OAuth 授权码")
	refreshToken := flag.String("refresh-token", "", "已有的刷新令牌")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Database.Type == "" {
		fmt.Println("BOARDMAIL_DATABASE_TYPE is required: accounts must be stored in the relational store")
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.FromConfig(cfg.Log, "boardmail-connect"))
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	oauth := gmail.New(gmail.Config{
		ClientID:     cfg.Google.ClientID,
		ClientSecret: cfg.Google.ClientSecret,
		RedirectURL:  cfg.Google.RedirectURL,
	}, log)

	if *boardID == "" || *owner == "" || *address == "" {
		fmt.Println("Usage: connect-account -board <id> -owner <user> -address <email> [-provider gmail|imap] (-code <code> | -refresh-token <token>)")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	var token domain.Token
	switch {
	case *code != "":
		exchanged, err := oauth.Exchange(ctx, *code)
		if err != nil {
			fmt.Printf("Failed to exchange authorization code: %v\n", err)
			os.Exit(1)
		}
		token = *exchanged
	case *refreshToken != "":
		// 访问令牌留空，首次轮询时由保险库刷新
		token = domain.Token{RefreshToken: *refreshToken, ExpiresAt: time.Now()}
	default:
		fmt.Println("Open this URL, grant access, then rerun with -code:")
		fmt.Println(oauth.AuthCodeURL(uuid.NewString()))
		return
	}

	store, err := postgres.Open(cfg.Database)
	if err != nil {
		fmt.Printf("Failed to open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	cipher, err := credential.NewCipher(cfg.Vault.Secret)
	if err != nil {
		fmt.Printf("Failed to initialize vault: %v\n", err)
		os.Exit(1)
	}
	vault := credential.NewVault(cipher, store, oauth, credential.Options{}, log)
	accounts := service.NewAccountService(store, vault, log)

	input := service.ConnectInput{
		OwnerUserID: *owner,
		BoardID:     *boardID,
		Provider:    domain.ProviderKind(*kind),
		Address:     *address,
		Token:       token,
	}
	if input.Provider == domain.ProviderIMAP {
		input.IMAPHost = *imapHost
		input.IMAPPort = *imapPort
	}

	account, err := accounts.Connect(ctx, input)
	if err != nil {
		fmt.Printf("Failed to connect account: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("✓ Mailbox account connected!\n")
	fmt.Printf("  ID:       %s\n", account.ID)
	fmt.Printf("  Board:    %s\n", account.BoardID)
	fmt.Printf("  Provider: %s\n", account.Provider)
	fmt.Printf("  Address:  %s\n", account.ProviderAccountID)
}
