package main

import (
	"bufio"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"ip-tcp-stack/lnxconfig"
	protocol "ip-tcp-stack/pkg"
)

func listen(ipStack *protocol.IPStack, iface *protocol.Interface) {
	// One receive loop per interface
	for {
		if err := ipStack.Receive(iface); err != nil {
			logrus.Errorf("receive on %s: %v", iface.Name, err)
			return
		}
	}
}

func main() {
	if len(os.Args) != 3 || os.Args[1] != "--config" {
		fmt.Println("Usage: ./vhost --config <lnx file>")
		return
	}
	lnxFile := os.Args[2]

	lnxConfig, err := lnxconfig.ParseConfig(lnxFile)
	if err != nil {
		fmt.Println("error parsing config file:", err)
		return
	}

	// Create a new IP stack
	ipStack := &protocol.IPStack{}
	if err := ipStack.Initialize(*lnxConfig); err != nil {
		fmt.Println("error initializing ip stack:", err)
		return
	}
	ipStack.RegisterRecvHandler(protocol.ProtocolNumTest, func(packet *protocol.IPPacket) {
		fmt.Println("Received test packet: Src: " + packet.Header.Src.String() +
			", Dst: " + packet.Header.Dst.String() +
			", TTL: " + strconv.Itoa(packet.Header.TTL) +
			", Data: " + string(packet.Payload))
	})

	for _, iface := range ipStack.Interfaces {
		go listen(ipStack, iface)
	}

	// Create a new TCP stack
	tcpStack := &protocol.TCPStack{}
	tcpStack.Initialize(ipStack)

	// SIGINT interrupts every blocked socket command
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT)
	go func() {
		for range sigs {
			tcpStack.InterruptAll()
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("Enter command:")
	for scanner.Scan() {
		// REPL
		userInput := scanner.Text()

		if userInput == "li" {
			fmt.Println(ipStack.Li())

		} else if userInput == "ln" {
			fmt.Println(ipStack.Ln())

		} else if userInput == "lr" {
			fmt.Println(ipStack.Lr())

		} else if userInput == "ls" {
			fmt.Println(tcpStack.ListSockets())

		} else if len(userInput) >= 6 && userInput[0:4] == "down" {
			if err := ipStack.Down(userInput[5:]); err != nil {
				fmt.Println(err)
			}

		} else if len(userInput) >= 4 && userInput[0:2] == "up" {
			if err := ipStack.Up(userInput[3:]); err != nil {
				fmt.Println(err)
			}

		} else if len(userInput) >= 6 && userInput[0:4] == "send" {
			var spaceIdx = strings.Index(userInput[5:], " ") + 5

			destIP, err := netip.ParseAddr(userInput[5:spaceIdx])
			if err != nil {
				fmt.Println("Please enter a valid IP address after send")
				continue
			}
			var message = userInput[spaceIdx+1:]
			if len(message) <= 0 {
				fmt.Println("Please enter a valid message to send after the IP address")
				continue
			}
			if err := ipStack.SendIP(nil, protocol.DefaultTTL, destIP, protocol.ProtocolNumTest, []byte(message)); err != nil {
				fmt.Println(err)
			}

		} else if len(userInput) > 2 && userInput[0:2] == "a " {
			port, err := strconv.ParseUint(userInput[2:], 10, 16)
			if err != nil {
				fmt.Println(err)
				continue
			}
			// Accept in the background so the REPL stays usable
			go func(port uint16) {
				local := protocol.Endpoint{Addr: netip.IPv4Unspecified(), Port: port}
				id, err := tcpStack.VOpen(local, nil, false)
				if err != nil {
					fmt.Println(err)
					return
				}
				fmt.Printf("Connection established, socket %d\n", id)
			}(uint16(port))

		} else if len(userInput) >= 5 && userInput[0:2] == "s " {
			parts := strings.Split(userInput, " ")
			socketID, err := strconv.Atoi(parts[1])
			if err != nil {
				fmt.Println(err)
				continue
			}
			bytesToSend := strings.Join(parts[2:], " ")
			go func() {
				sent, err := tcpStack.VSend(socketID, []byte(bytesToSend))
				if err != nil {
					fmt.Println(err)
					return
				}
				fmt.Printf("Sent %d bytes\n", sent)
			}()

		} else if len(userInput) >= 5 && userInput[0:2] == "r " {
			parts := strings.Split(userInput, " ")
			socketID, err := strconv.Atoi(parts[1])
			if err != nil {
				fmt.Println(err)
				continue
			}
			numBytes, err := strconv.ParseUint(parts[2], 10, 32)
			if err != nil {
				fmt.Println(err)
				continue
			}
			go func() {
				buf := make([]byte, numBytes)
				n, err := tcpStack.VReceive(socketID, buf)
				if err != nil {
					fmt.Println(err)
					return
				}
				fmt.Printf("Read %d bytes: %s\n", n, string(buf[:n]))
			}()

		} else if len(userInput) >= 4 && userInput[0:2] == "cl" {
			socketID, err := strconv.Atoi(strings.TrimSpace(userInput[3:]))
			if err != nil {
				fmt.Println(err)
				continue
			}
			if err := tcpStack.VClose(socketID); err != nil {
				fmt.Println(err)
			}

		} else {
			fmt.Println("Invalid command.")
			continue
		}
	}
}
