package main

import (
	"github.com/cloudflare/cfssl/log"
	"github.com/crowdfund/chaincode"
	"github.com/hyperledger/fabric-chaincode-go/shim"
)

func main() {
	if err := shim.Start(new(chaincode.Crowdfunding)); err != nil {
		log.Fatalf("start crowdfunding chaincode: %v", err)
	}
}
