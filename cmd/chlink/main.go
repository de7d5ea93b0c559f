package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/amrbekhit/chlink"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// fileConfig is the layout of the -config file.
type fileConfig struct {
	Programmer string `yaml:"programmer"`
	Port       string `yaml:"port"`
	Baud       int    `yaml:"baud"`
	Address    uint32 `yaml:"address"`
	Verify     bool   `yaml:"verify"`
	Run        bool   `yaml:"run"`
}

const appVersion = "0.1.0"

func loadConfig(name string) fileConfig {
	cfg := fileConfig{
		Programmer: string(chlink.KindAuto),
		Baud:       chlink.DefaultBootBaud,
		Address:    chlink.FlashBase,
		Verify:     true,
		Run:        true,
	}
	if name == "" {
		return cfg
	}
	f, err := os.ReadFile(name)
	if err != nil {
		log.Fatalf("failed to open config file: %v", err)
	}
	if err := yaml.Unmarshal(f, &cfg); err != nil {
		log.Fatalf("failed to parse config file: %v", err)
	}
	return cfg
}

func main() {
	version := flag.Bool("version", false, "Prints the program version.")
	verbose := flag.Bool("v", false, "Enable verbose logging.")
	listPorts := flag.Bool("list-ports", false, "List serial ports and exit.")

	// Format the default config in YAML format as an example.
	buf := new(bytes.Buffer)
	enc := yaml.NewEncoder(buf)
	enc.Encode(loadConfig(""))
	configFile := flag.String("config", "", "Config yaml file. Example:\n\n"+buf.String())

	kind := flag.String("programmer", "", "Programmer to use: auto, linke or uart.")
	port := flag.String("port", "", "Boot ROM serial port. Defaults to $"+chlink.SerialEnv+" or the platform default.")
	baud := flag.Int("baud", 0, "Boot ROM baud rate.")
	addr := flag.Uint("addr", 0, "Load address for .bin images.")
	noVerify := flag.Bool("noverify", false, "Skip read-back verification.")
	halt := flag.Bool("halt", false, "Leave the part in reset after flashing.")

	cmdList := []string{}
	for key := range commands {
		cmdList = append(cmdList, key)
	}
	sort.Strings(cmdList)
	command := flag.String("cmd", "", fmt.Sprintf("Command to run, one of: %+v\n"+
		"Register commands take hex or decimal arguments, e.g. readreg 0x11, writereg 0x10 0x80000001\n"+
		"Switch commands take on or off, e.g. 3v3 on\n"+
		"readmem and erase take addr length, e.g. readmem 0x08000000 64; erase all erases everything",
		cmdList))

	flag.Parse()

	if *version {
		fmt.Println(appVersion)
		return
	}

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	chlink.SetLogger(log.StandardLogger())

	if *listPorts {
		ports, err := chlink.ListSerialPorts()
		if err != nil {
			log.Fatal(err)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	cfg := loadConfig(*configFile)
	if *kind != "" {
		cfg.Programmer = *kind
	}
	if *port != "" {
		cfg.Port = *port
	}
	if *baud != 0 {
		cfg.Baud = *baud
	}
	if *addr != 0 {
		cfg.Address = uint32(*addr)
	}
	if *noVerify {
		cfg.Verify = false
	}
	if *halt {
		cfg.Run = false
	}

	switch {
	case *command != "":
		// Run a single command
		if _, ok := commands[*command]; !ok {
			log.Fatalf("invalid command %v", *command)
		}
		prog := connect(cfg)
		if err := runCommand(prog, *command, flag.Args()); err != nil {
			log.Fatal(err)
		}

	default:
		// Try and flash an image file
		if len(flag.Args()) != 1 {
			log.Fatalf("must specify an image file to flash")
		}
		img := loadImage(flag.Args()[0], cfg.Address)

		prog := connect(cfg)

		log.Infof("flashing %v bytes at %X...", len(img.Data), img.Address)
		err := chlink.Flash(prog, img, chlink.FlashOptions{
			Verify: cfg.Verify,
			Run:    cfg.Run,
			Progress: func(p chlink.Progress) {
				log.Debugf("%v %v/%v", p.Phase, p.Done, p.Total)
			},
		})
		// Release the programmer before log.Fatal exits.
		prog.Exit()
		if err != nil {
			log.Fatal(err)
		}
		log.Infof("complete")
	}
}

func connect(cfg fileConfig) chlink.Programmer {
	log.Infof("connecting to programmer...")
	prog, err := chlink.Discover(chlink.Hints{
		Kind:       chlink.Kind(cfg.Programmer),
		SerialPort: cfg.Port,
		Options: chlink.Options{
			Baud: cfg.Baud,
			Progress: func(p chlink.Progress) {
				log.Debugf("%v %v/%v", p.Phase, p.Done, p.Total)
			},
		},
	})
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	log.Infof("connected")
	return prog
}

func loadImage(name string, addr uint32) chlink.Image {
	file, err := os.Open(name)
	if err != nil {
		log.Fatal(err)
	}
	defer file.Close()

	var img chlink.Image
	if strings.EqualFold(filepath.Ext(name), ".hex") {
		img, err = chlink.LoadHex(file)
	} else {
		img, err = chlink.LoadBinary(file, addr)
	}
	if err != nil {
		log.Fatal(err)
	}
	log.Infof("image file loaded")
	return img
}
