package identity

import (
	"go.uber.org/fx"

	"github.com/dep2p/go-magicnet/config"
	"github.com/dep2p/go-magicnet/internal/util/logger"
)

var log = logger.Logger("core.identity")

// Params 模块输入
type Params struct {
	fx.In

	Config *config.Config
	// KeyPair 外部直接注入的密钥（WithIdentity），优先于密钥文件
	KeyPair *KeyPair `name:"injected_key" optional:"true"`
}

// Result 模块输出
type Result struct {
	fx.Out

	KeyPair *KeyPair
}

// Module 返回 Fx 模块
func Module() fx.Option {
	return fx.Module("identity",
		fx.Provide(Provide),
	)
}

// Provide 按优先级提供密钥：注入的密钥 > 密钥文件 > 临时生成
func Provide(p Params) (Result, error) {
	if p.KeyPair != nil {
		return Result{KeyPair: p.KeyPair}, nil
	}
	cfg := p.Config.Identity
	kp, err := LoadOrGenerate(cfg.KeyFile, cfg.AutoGenerate)
	if err != nil {
		return Result{}, err
	}
	log.Info("节点身份就绪", "peer", kp.PeerID().String(), "keyFile", cfg.KeyFile)
	return Result{KeyPair: kp}, nil
}
