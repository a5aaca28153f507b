package cli

// -----------------------------------------------------------------------------
// runtime.go – lazily constructs the node's collaborators the first time any
// CLI command needs them, using a double-checked-locking lazy singleton
// over Pyrsia's collaborator graph
// (store, transparency log, blockchain, overlay, build loop, artifact
// service) instead of a bare core.Node.
// -----------------------------------------------------------------------------

import (
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/pyrsia/pyrsia-core/core"
	"github.com/pyrsia/pyrsia-core/pkg/utils"
)

var (
	rtMu      sync.RWMutex
	rtService *core.ArtifactService
	rtNode    *core.Node
	rtLog     *core.TransparencyLog
	rtStart   time.Time
)

// EnsureRuntime builds every collaborator on first use and caches them for
// the remainder of the process, exactly once.
func EnsureRuntime() (*core.ArtifactService, *core.Node, *core.TransparencyLog, error) {
	rtMu.RLock()
	if rtService != nil {
		s, n, l := rtService, rtNode, rtLog
		rtMu.RUnlock()
		return s, n, l, nil
	}
	rtMu.RUnlock()

	rtMu.Lock()
	defer rtMu.Unlock()
	if rtService != nil {
		return rtService, rtNode, rtLog, nil
	}

	_ = godotenv.Load()

	lg := logrus.New()
	if lv, err := logrus.ParseLevel(viper.GetString("logging.level")); err == nil {
		lg.SetLevel(lv)
	}

	storeRoot := viper.GetString("store.root")
	if storeRoot == "" {
		storeRoot = "data/store"
	}
	// viper.AutomaticEnv() does not bind nested "store.free_space_floor" to
	// an env var on its own (no dot-to-underscore key replacer is
	// registered), so read the explicit PYRSIA_STORE_FREE_SPACE_FLOOR override
	// directly; when it holds a valid integer it takes precedence over the
	// config file's value.
	freeSpaceFloor := utils.EnvOrDefaultInt64("PYRSIA_STORE_FREE_SPACE_FLOOR", viper.GetInt64("store.free_space_floor"))
	store, err := core.NewArtifactStore(core.ArtifactStoreConfig{
		Root:           storeRoot,
		FreeSpaceFloor: freeSpaceFloor,
	}, lg)
	if err != nil {
		return nil, nil, nil, err
	}

	authorityKeysFile := viper.GetString("blockchain.authority_keys_file")
	if authorityKeysFile == "" {
		authorityKeysFile = "data/authority_keys.txt"
	}
	authority, err := core.LoadAuthoritySet(authorityKeysFile)
	if err != nil {
		return nil, nil, nil, err
	}

	chainFile := viper.GetString("blockchain.chain_file")
	if chainFile == "" {
		chainFile = "data/chain.ndjson"
	}
	chain, err := core.NewBlockchain(chainFile, authority, lg)
	if err != nil {
		return nil, nil, nil, err
	}

	logDir := viper.GetString("transparency_log.dir")
	if logDir == "" {
		logDir = "data/translog"
	}
	tlog, err := core.NewTransparencyLog(logDir, lg, chain)
	if err != nil {
		return nil, nil, nil, err
	}

	identityPath := viper.GetString("network.identity_path")
	if identityPath == "" {
		identityPath = "data/identity.key"
	}
	listenAddr := viper.GetString("network.listen_addr")
	if listenAddr == "" {
		listenAddr = "/ip4/0.0.0.0/tcp/4001"
	}
	ncfg := core.Config{
		ListenAddr:     listenAddr,
		BootstrapPeers: viper.GetStringSlice("network.bootstrap_peers"),
		DiscoveryTag:   viper.GetString("network.discovery_tag"),
		IdentityPath:   identityPath,
		IsAuthority:    viper.GetBool("network.is_authority"),
	}
	node, err := core.NewNode(ncfg, store, chain, authority, lg)
	if err != nil {
		return nil, nil, nil, err
	}
	node.SetTransparencyLog(tlog)
	if err := node.SubscribeBlocks(); err != nil {
		lg.Warnf("subscribe blocks: %v", err)
	}

	pollInterval := 5 * time.Second
	if s := viper.GetString("build.poll_interval"); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			pollInterval = d
		}
	}
	buildLoop := core.NewBuildLoop(viper.GetString("build.pipeline_endpoint"), viper.GetString("build.mapping_endpoint"), pollInterval, lg)
	go buildLoop.Run(node.Context())

	selfAddr := core.AddressFromPublicKey(node.RawPublicKey())
	svc := core.NewArtifactService(core.ArtifactServiceConfig{
		IsAuthority: ncfg.IsAuthority,
		SelfAddress: selfAddr,
	}, store, tlog, chain, node, buildLoop, lg)

	rtService, rtNode, rtLog = svc, node, tlog
	rtStart = time.Now()
	return rtService, rtNode, rtLog, nil
}
