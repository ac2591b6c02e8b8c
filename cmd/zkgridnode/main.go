package main

// zkgridnode joins a zkgrid cluster, prints every
// discovery event it observes, and forwards stdin lines to
// the cluster as custom messages. Handy for watching a
// cluster form and fail:
//
//	zkgridnode -zk 127.0.0.1:2181 -cluster demo -name a
//	zkgridnode -zk 127.0.0.1:2181 -cluster demo -name b
//
// then type into either terminal.

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/glycerine/ipaddr"
	"github.com/glycerine/zkgrid"
	"github.com/google/uuid"
)

type printListener struct {
	name string
}

func (p *printListener) OnDiscovery(kind zkgrid.EventKind, topVer int64, node *zkgrid.Node, snapshot []*zkgrid.Node, msg interface{}) {
	fmt.Printf("[%v] %v topVer=%v node=%v snapshot=%v", p.name, kind, topVer, node.ID, len(snapshot))
	if msg != nil {
		fmt.Printf(" msg=%v", msg)
	}
	fmt.Println()
}

// stdinExchange advertises our instance name and start
// time as joining data, and prints whatever the rest of
// the cluster hands back.
type stdinExchange struct {
	name string
}

func (e *stdinExchange) Collect(bag *zkgrid.DataBag) {
	if bag.JoiningData == nil {
		bag.JoiningData = make(map[string][]byte)
	}
	bag.JoiningData["zkgridnode"] = []byte(e.name + " up since " + time.Now().Format(time.RFC3339))
}

func (e *stdinExchange) OnExchange(bag *zkgrid.DataBag) {
	for k, v := range bag.JoiningData {
		fmt.Printf("[%v] join data from %v: %v=%q\n", e.name, bag.NodeID, k, string(v))
	}
	for k, v := range bag.CommonData {
		fmt.Printf("[%v] common data for %v: %v=%q\n", e.name, bag.NodeID, k, string(v))
	}
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	var connect = flag.String("zk", "127.0.0.1:2181", "zookeeper connect string (comma separated host:port)")
	var base = flag.String("base", "/zkgrid", "base path in zookeeper")
	var cluster = flag.String("cluster", "default", "cluster name")
	var name = flag.String("name", "node", "instance name, for log prefixes")
	var timeout = flag.Duration("timeout", 10*time.Second, "zookeeper session timeout")
	flag.Parse()

	locNode := &zkgrid.Node{
		ID:    uuid.New(),
		Addrs: []string{ipaddr.GetExternalIP()},
		Attrs: map[string]string{"name": *name},
	}

	cfg := zkgrid.Config{
		BasePath:       *base,
		ClusterName:    *cluster,
		ConnectString:  *connect,
		SessionTimeout: *timeout,
		Listener:       &printListener{name: *name},
		Exchange:       &stdinExchange{name: *name},
	}

	d, err := zkgrid.NewDiscovery(cfg, locNode)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("[%v] joining cluster %q as %v ...\n", *name, *cluster, locNode.ID)

	if err := d.JoinTopology(); err != nil {
		log.Fatalf("join failed: %v", err)
	}
	defer d.Stop()

	fmt.Printf("[%v] joined. gridStartTime=%v remotes=%v\n",
		*name, d.GridStartTime(), len(d.RemoteNodes()))

	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		if err := d.SendCustomMessage(line); err != nil {
			log.Printf("send custom message: %v", err)
			return
		}
	}
}
