package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/kardianos/service"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/mqnic"
	"github.com/slackhq/mqnic/config"
)

var logger service.Logger

type program struct {
	configPath *string
	configTest *bool
	build      string
	control    *mqnic.Control
}

func (p *program) Start(s service.Service) error {
	// Start should not block.
	logger.Info("mqnic service starting.")

	l := logrus.New()
	l.Out = os.Stdout
	if !service.Interactive() {
		HookLogger(l)
	}

	c := config.NewC(l)
	if err := c.Load(*p.configPath); err != nil {
		return fmt.Errorf("failed to load config: %s", err)
	}

	var err error
	p.control, err = mqnic.Main(c, *p.configTest, p.build, l)
	if err != nil {
		return err
	}

	c.CatchHUP(p.control.Context())
	p.control.Start()
	return nil
}

func (p *program) Stop(s service.Service) error {
	logger.Info("mqnic service stopping.")
	if p.control != nil {
		p.control.Stop()
	}
	return nil
}

func doService(configPath *string, configTest *bool, build string, serviceFlag *string) {
	if *configPath == "" {
		ex, err := os.Executable()
		if err != nil {
			panic(err)
		}
		*configPath = filepath.Dir(ex) + "/config.yaml"
	}

	svcConfig := &service.Config{
		Name:        "mqnic",
		DisplayName: "mqnic Queue Engine",
		Description: "Multi-queue NIC queue management and scheduling engine",
		Arguments:   []string{"-service", "run", "-config", *configPath},
	}

	prg := &program{
		configPath: configPath,
		configTest: configTest,
		build:      build,
	}

	s, err := service.New(prg, svcConfig)
	if err != nil {
		log.Fatal(err)
	}

	errs := make(chan error, 5)
	logger, err = s.Logger(errs)
	if err != nil {
		log.Fatal(err)
	}

	go func() {
		for {
			err := <-errs
			if err != nil {
				log.Print(err)
			}
		}
	}()

	switch *serviceFlag {
	case "run":
		err = s.Run()
		if err != nil {
			logger.Error(err)
		}
	default:
		err := service.Control(s, *serviceFlag)
		if err != nil {
			log.Printf("Valid actions: %q\n", service.ControlAction)
			log.Fatal(err)
		}
		return
	}
}
