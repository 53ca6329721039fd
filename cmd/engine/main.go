package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/aethercycle/aethercycle-engine/internal/config"
	"github.com/aethercycle/aethercycle-engine/internal/endowment"
	"github.com/aethercycle/aethercycle-engine/internal/engine"
	"github.com/aethercycle/aethercycle-engine/internal/keeper"
	"github.com/aethercycle/aethercycle-engine/internal/ledger"
	"github.com/aethercycle/aethercycle-engine/internal/market"
	"github.com/aethercycle/aethercycle-engine/internal/metrics"
	"github.com/aethercycle/aethercycle-engine/internal/model"
	"github.com/aethercycle/aethercycle-engine/internal/notifier"
	"github.com/aethercycle/aethercycle-engine/internal/recorder"
	"github.com/aethercycle/aethercycle-engine/internal/staking"
)

// Protocol entity addresses. Fixed at deployment, never reassigned.
const (
	addrGenesis   model.Address = "aec:genesis"
	addrEngine    model.Address = "aec:engine"
	addrTax       model.Address = "aec:tax-accumulator"
	addrEndowment model.Address = "aec:endowment"
	addrCustodian model.Address = "aec:custodian"
	addrEmergency model.Address = "aec:emergency"
	addrPair      model.Address = "aec:pair"
	addrLpPool    model.Address = "aec:pool-lp"
	addrTokenPool model.Address = "aec:pool-token"
	addrNftPool   model.Address = "aec:pool-nft"
	addrTreasury  model.Address = "aec:treasury"
	addrKeeper    model.Address = "aec:keeper"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfgPath := "configs/config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		cfgPath = v
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("config validation")
	}
	if lvl, err := zerolog.ParseLevel(cfg.Log.Level); err == nil {
		log = log.Level(lvl)
	}

	// Ledgers. Protocol entities are tax-exempt so internal settlement
	// never skims itself.
	aec := ledger.New("AEC",
		ledger.WithTransferTax(cfg.Token.TaxBps, addrTax),
		ledger.WithTaxExempt(addrGenesis, addrEngine, addrEndowment, addrPair,
			addrLpPool, addrTokenPool, addrNftPool, addrEmergency),
		ledger.WithMinters(addrGenesis),
		ledger.WithBurners(addrEngine),
	)
	stable := ledger.New("USDC", ledger.WithMinters(addrGenesis))
	lpToken := ledger.New("AEC-LP", ledger.WithMinters(addrPair))
	nftUnits := ledger.New("AEC-NFT", ledger.WithMinters(addrGenesis))

	// Genesis distribution: supply minted once, split across the
	// endowment seed, the market seed, and the treasury. The crowd-sale
	// and NFT mint flows live outside this daemon.
	supply := mustTokens(log, cfg.Token.InitialSupply)
	seed := mustTokens(log, cfg.Endowment.Seed)
	marketBase := mustTokens(log, cfg.Market.SeedBase)
	marketPaired := mustTokens(log, cfg.Market.SeedPaired)

	mustDo(log, "mint supply", aec.Mint(addrGenesis, addrGenesis, supply))
	mustDo(log, "seed endowment", aec.Transfer(addrGenesis, addrEndowment, seed))
	mustDo(log, "seed pair base", aec.Transfer(addrGenesis, addrPair, marketBase))
	mustDo(log, "mint pair paired", stable.Mint(addrGenesis, addrPair, marketPaired))

	// Each pool's base-emission reservoir is backed by real tokens in its
	// custody; the schedule only meters how fast they stream out.
	mustDo(log, "fund lp pool", aec.Transfer(addrGenesis, addrLpPool, mustTokens(log, cfg.Staking.LpEmission)))
	mustDo(log, "fund token pool", aec.Transfer(addrGenesis, addrTokenPool, mustTokens(log, cfg.Staking.TokenEmission)))
	mustDo(log, "fund nft pool", aec.Transfer(addrGenesis, addrNftPool, mustTokens(log, cfg.Staking.NftEmission)))
	rest := aec.BalanceOf(addrGenesis)
	mustDo(log, "fund treasury", aec.Transfer(addrGenesis, addrTreasury, rest))

	pair := market.NewPairPool("aec/usdc", addrPair, aec, stable, lpToken)

	// Pull allowances: the engine drains the tax accumulator; the pair
	// pulls both legs of engine deposits.
	maxAllowance := new(uint256.Int).SetAllOne()
	mustDo(log, "approve tax pull", aec.Approve(addrTax, addrEngine, maxAllowance))
	mustDo(log, "approve pair base", aec.Approve(addrEngine, addrPair, maxAllowance))
	mustDo(log, "approve pair paired", stable.Approve(addrEngine, addrPair, maxAllowance))

	endow, err := endowment.New(endowment.Config{
		Address:       addrEndowment,
		Engine:        addrEngine,
		Custodian:     addrCustodian,
		EmergencyOut:  addrEmergency,
		RequiredSeed:  seed,
		Interval:      cfg.Endowment.Interval,
		RetentionBps:  cfg.Endowment.RetentionBps,
		DustThreshold: model.Tokens(1),
		CallCost:      mustTokens(log, cfg.Endowment.CallCost),
		Compounding:   cfg.Endowment.Compounding,
	}, aec, log)
	if err != nil {
		log.Fatal().Err(err).Msg("init endowment")
	}
	mustDo(log, "seal endowment", endow.Seal())

	eng, err := engine.New(engine.Config{
		Address:            addrEngine,
		TaxCollector:       addrTax,
		BurnBps:            cfg.Engine.BurnBps,
		LpBps:              cfg.Engine.LpBps,
		RefillBps:          cfg.Engine.RefillBps,
		CallerBps:          cfg.Engine.CallerBps,
		SlippageBps:        cfg.Engine.SlippageBps,
		MinProcessAmount:   mustTokens(log, cfg.Engine.MinProcessAmount),
		Cooldown:           cfg.Engine.Cooldown,
		RefillLpBps:        cfg.Engine.RefillLpBps,
		RefillTokenBps:     cfg.Engine.RefillTokenBps,
		RefillNftBps:       cfg.Engine.RefillNftBps,
		EfficiencyFloorBps: cfg.Engine.EfficiencyFloorBps,
		StateFile:          cfg.Engine.StateFile,
	}, aec, stable, pair, endow, log)
	if err != nil {
		log.Fatal().Err(err).Msg("init engine")
	}
	endow.SetNotify(eng.NotifyEndowmentRelease)

	newPool := func(name string, addr model.Address, stakeLedger *ledger.Ledger, emission string, engineReturn bool) *staking.Pool {
		p, err := staking.NewPool(staking.Config{
			Name:            name,
			Address:         addr,
			Engine:          addrEngine,
			StakeLedger:     stakeLedger,
			RewardLedger:    aec,
			Tiers:           staking.DefaultTiers,
			InitialEmission: mustTokens(log, emission),
			EmissionPeriod:  cfg.Staking.EmissionPeriod,
			DecayBps:        cfg.Staking.DecayBps,
			BonusDuration:   cfg.Staking.BonusDuration,
			EngineReturn:    engineReturn,
		}, log)
		if err != nil {
			log.Fatal().Err(err).Str("pool", name).Msg("init staking pool")
		}
		return p
	}
	lpPool := newPool("lp", addrLpPool, lpToken, cfg.Staking.LpEmission, true)
	tokenPool := newPool("token", addrTokenPool, aec, cfg.Staking.TokenEmission, false)
	nftPool := newPool("nft", addrNftPool, nftUnits, cfg.Staking.NftEmission, false)
	mustDo(log, "set staking targets", eng.SetStakingTargets(lpPool, tokenPool, nftPool))

	// Recorder
	var rec recorder.Recorder
	if cfg.Database.SQLitePath != "" {
		sr, err := recorder.NewSQLiteRecorder(cfg.Database.SQLitePath, log)
		if err != nil {
			log.Warn().Err(err).Msg("init sqlite recorder failed, using noop")
			rec = recorder.NewNoopRecorder()
		} else {
			rec = sr
			defer sr.Close()
		}
	} else {
		rec = recorder.NewNoopRecorder()
	}

	reg := prometheus.NewRegistry()
	met := metrics.New(reg)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		if err := http.ListenAndServe(cfg.Metrics.ListenAddr, mux); err != nil {
			log.Error().Err(err).Msg("metrics listener")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	not := notifier.NewWebhookNotifier(cfg.Notifier.WebhookURL, log)
	kpr := keeper.New(ctx, eng, rec, not, met, addrKeeper, log)
	if err := kpr.Register(cfg.Keeper.CycleCron, cfg.Keeper.StatusCron); err != nil {
		log.Fatal().Err(err).Msg("register keeper tasks")
	}
	kpr.Start()
	defer kpr.Stop()

	if os.Getenv("RUN_ON_START") == "true" {
		log.Info().Msg("RUN_ON_START enabled, executing cycle now")
		go kpr.RunNow()
	}

	log.Info().Msg("aethercycle engine running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutdown signal received, stopping")
	cancel()
}

func mustTokens(log zerolog.Logger, s string) *uint256.Int {
	v, err := model.ParseTokens(s)
	if err != nil {
		log.Fatal().Err(err).Msg("parse amount")
	}
	return v
}

func mustDo(log zerolog.Logger, what string, err error) {
	if err != nil {
		log.Fatal().Err(err).Msg(what)
	}
}
